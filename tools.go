package pipeplay

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Tools holds the paths of the external
// programs the player drives.
type Tools struct {
	FFmpeg  string
	FFprobe string
}

// FindTools locates ffmpeg and ffprobe. The binaries
// directory dir is searched first, then PATH.
func FindTools(dir string) (Tools, error) {
	switch runtime.GOOS {
	case "windows", "linux", "darwin", "freebsd":
	default:
		return Tools{}, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, runtime.GOOS)
	}

	ffmpeg, err := lookTool(dir, "ffmpeg")
	if err != nil {
		return Tools{}, err
	}

	ffprobe, err := lookTool(dir, "ffprobe")
	if err != nil {
		return Tools{}, err
	}

	return Tools{FFmpeg: ffmpeg, FFprobe: ffprobe}, nil
}

func lookTool(dir, name string) (string, error) {
	if dir != "" {
		local := filepath.Join(dir, exe(name))
		if st, err := os.Stat(local); err == nil && !st.IsDir() {
			return local, nil
		}
	}

	p, err := exec.LookPath(exe(name))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	return p, nil
}

func exe(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}

	return name
}

// CommandRunner runs a command to completion
// and returns its standard output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// RunCommand is the CommandRunner backed by os/exec.
// The tail of the standard error is attached to failures.
func RunCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("%s failed: %w", filepath.Base(name), err)
		}

		return nil, fmt.Errorf("%s failed: %w (stderr: %s)", filepath.Base(name), err, tail(msg, 512))
	}

	return out, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[len(s)-n:]
}
