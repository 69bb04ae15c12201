// Package ebitenview draws player frames onto ebiten images.
package ebitenview

import (
	"fmt"
	"image"

	"github.com/hajimehoshi/ebiten"
)

// Surface is a pipeplay.Surface drawing onto an ebiten
// screen. The frame texture is kept between calls and
// recreated only when the frame size changes.
type Surface struct {
	screen  *ebiten.Image
	texture *ebiten.Image
	size    image.Point
	filter  ebiten.Filter
}

// New returns a surface uploading frames with the filter.
func New(filter ebiten.Filter) *Surface {
	return &Surface{filter: filter}
}

// SetScreen sets the image the next frames are drawn onto.
// It's meant to be called at the start of every Draw.
func (s *Surface) SetScreen(screen *ebiten.Image) {
	s.screen = screen
}

// Blit uploads img and draws it stretched into dst.
func (s *Surface) Blit(img *image.RGBA, dst image.Rectangle) error {
	if s.screen == nil {
		return fmt.Errorf("no screen to draw onto")
	}

	size := img.Rect.Size()
	if size.X <= 0 || size.Y <= 0 || dst.Empty() {
		return nil
	}

	if s.texture == nil || s.size != size {
		if s.texture != nil {
			_ = s.texture.Dispose()
		}

		texture, err := ebiten.NewImage(size.X, size.Y, s.filter)
		if err != nil {
			return fmt.Errorf("couldn't create the frame texture: %w", err)
		}

		s.texture = texture
		s.size = size
	}

	if err := s.texture.ReplacePixels(pixels(img)); err != nil {
		return fmt.Errorf("couldn't upload the frame: %w", err)
	}

	op := &ebiten.DrawImageOptions{}
	op.GeoM.Scale(
		float64(dst.Dx())/float64(size.X),
		float64(dst.Dy())/float64(size.Y))
	op.GeoM.Translate(float64(dst.Min.X), float64(dst.Min.Y))

	return s.screen.DrawImage(s.texture, op)
}

// Dispose releases the frame texture.
func (s *Surface) Dispose() {
	if s.texture != nil {
		_ = s.texture.Dispose()
		s.texture = nil
	}
}

// pixels returns the tightly packed pixels of img.
func pixels(img *image.RGBA) []byte {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if img.Stride == w*4 && len(img.Pix) == w*h*4 {
		return img.Pix
	}

	pix := make([]byte, 0, w*h*4)
	for y := 0; y < h; y++ {
		row := img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y)
		pix = append(pix, img.Pix[row:row+w*4]...)
	}

	return pix
}
