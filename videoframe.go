package pipeplay

import (
	"image"

	xdraw "golang.org/x/image/draw"
)

// InterpolationAlgorithm is used when
// rescaling frames for display.
type InterpolationAlgorithm int

const (
	InterpolationApproxBilinear InterpolationAlgorithm = iota
	InterpolationNearestNeighbor
	InterpolationBilinear
	InterpolationBicubic
)

// String returns the name of the algorithm.
func (alg InterpolationAlgorithm) String() string {
	switch alg {
	case InterpolationApproxBilinear:
		return "approx-bilinear"
	case InterpolationNearestNeighbor:
		return "nearest-neighbor"
	case InterpolationBilinear:
		return "bilinear"
	case InterpolationBicubic:
		return "bicubic"
	}

	return "unknown"
}

func (alg InterpolationAlgorithm) scaler() xdraw.Scaler {
	switch alg {
	case InterpolationNearestNeighbor:
		return xdraw.NearestNeighbor
	case InterpolationBilinear:
		return xdraw.BiLinear
	case InterpolationBicubic:
		return xdraw.CatmullRom
	default:
		return xdraw.ApproxBiLinear
	}
}

// VideoFrame is a decoded frame converted for display.
type VideoFrame struct {
	index int
	img   *image.RGBA
}

// newVideoFrame converts the RGB24 frame into dst, reusing
// its pixels when the size matches.
func newVideoFrame(dst *VideoFrame, frame *Frame) *VideoFrame {
	rect := image.Rect(0, 0, frame.Width, frame.Height)

	if dst == nil || dst.img == nil || dst.img.Rect != rect {
		dst = &VideoFrame{img: image.NewRGBA(rect)}
	}

	dst.index = frame.Index
	rgbToRGBA(dst.img.Pix, frame.Data)

	return dst
}

// Index returns the absolute index of the frame in the media file.
func (f *VideoFrame) Index() int {
	return f.index
}

// Data returns a byte slice of RGBA pixels of the frame image.
func (f *VideoFrame) Data() []byte {
	return f.img.Pix
}

// Image returns the RGBA image of the frame.
func (f *VideoFrame) Image() *image.RGBA {
	return f.img
}

// rgbToRGBA expands packed RGB24 pixels into opaque RGBA.
func rgbToRGBA(dst, src []byte) {
	for i, j := 0, 0; i+2 < len(src) && j+3 < len(dst); i, j = i+3, j+4 {
		dst[j] = src[i]
		dst[j+1] = src[i+1]
		dst[j+2] = src[i+2]
		dst[j+3] = 0xff
	}
}

// rescale draws src scaled to res into dst, reusing dst
// when it already has the requested size.
func rescale(dst, src *image.RGBA, res Resolution, scaler xdraw.Scaler) *image.RGBA {
	rect := image.Rect(0, 0, res.Width, res.Height)
	if dst == nil || dst.Rect != rect {
		dst = image.NewRGBA(rect)
	}

	if scaler == nil {
		scaler = xdraw.ApproxBiLinear
	}

	scaler.Scale(dst, rect, src, src.Bounds(), xdraw.Src, nil)
	return dst
}
