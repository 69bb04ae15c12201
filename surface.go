package pipeplay

import (
	"image"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

// Surface is the host render target frames are drawn onto.
type Surface interface {
	// Blit draws img into the dst rectangle of the surface.
	// The surface must not retain img past the call.
	Blit(img *image.RGBA, dst image.Rectangle) error
}

// ImageSurface draws frames onto an in-memory image.
// It's useful for headless rendering and snapshots.
type ImageSurface struct {
	Target draw.Image
}

// NewImageSurface returns a surface backed by a
// new RGBA image of the given size.
func NewImageSurface(width, height int) *ImageSurface {
	return &ImageSurface{
		Target: image.NewRGBA(image.Rect(0, 0, width, height)),
	}
}

// Blit copies img into dst, clipped to the target bounds.
func (s *ImageSurface) Blit(img *image.RGBA, dst image.Rectangle) error {
	xdraw.Copy(s.Target, dst.Min, img, img.Bounds(), xdraw.Src, nil)
	return nil
}
