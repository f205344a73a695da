// video_framebuffer.go - Packed-pixel framebuffer view over the bus

/*

The framebuffer window is plain memory to the guest: drawing is raw byte
writes, there is no command interface. This module gives host-side code a
typed view over that window. Pixels are RGBA8, little-endian, row-major,
with the address of (x, y) fixed at FB_BASE + (y*width + x)*4 for the
configured geometry. The geometry is validated once at construction so that
width*height*4 never exceeds the window.

Rendering is somebody else's job. The only output path here is an image
file export (BMP), which external tooling consumes; there is no display
backend in this repository.

*/

package main

import (
	"fmt"
	"image"
	"io"
	"os"

	"golang.org/x/image/bmp"
)

const (
	FB_DEFAULT_WIDTH  = 640
	FB_DEFAULT_HEIGHT = 480
	FB_BYTES_PER_PIX  = 4
)

type Framebuffer struct {
	bus    *SystemBus
	width  int
	height int
}

// NewFramebuffer validates the geometry against the framebuffer window and
// returns a pixel-addressed view over it.
func NewFramebuffer(bus *SystemBus, width, height int) (*Framebuffer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("framebuffer geometry %dx%d: dimensions must be positive", width, height)
	}
	if width*height*FB_BYTES_PER_PIX > FB_SIZE {
		return nil, fmt.Errorf("framebuffer geometry %dx%d exceeds %d byte window", width, height, FB_SIZE)
	}
	return &Framebuffer{bus: bus, width: width, height: height}, nil
}

func (f *Framebuffer) Width() int  { return f.width }
func (f *Framebuffer) Height() int { return f.height }

// PixelAddr returns the bus address of pixel (x, y). The second result is
// false when the coordinate lies outside the configured geometry.
func (f *Framebuffer) PixelAddr(x, y int) (uint32, bool) {
	if x < 0 || y < 0 || x >= f.width || y >= f.height {
		return 0, false
	}
	return FB_BASE + uint32((y*f.width+x)*FB_BYTES_PER_PIX), true
}

func (f *Framebuffer) WritePixel(x, y int, r, g, b, a byte) bool {
	addr, ok := f.PixelAddr(x, y)
	if !ok {
		return false
	}
	packed := uint32(r) | uint32(g)<<8 | uint32(b)<<16 | uint32(a)<<24
	return f.bus.WriteWord(addr, packed)
}

func (f *Framebuffer) ReadPixel(x, y int) (r, g, b, a byte, ok bool) {
	addr, addrOK := f.PixelAddr(x, y)
	if !addrOK {
		return 0, 0, 0, 0, false
	}
	packed, readOK := f.bus.ReadWord(addr)
	if !readOK {
		return 0, 0, 0, 0, false
	}
	return byte(packed), byte(packed >> 8), byte(packed >> 16), byte(packed >> 24), true
}

// Image copies the visible framebuffer into an image.RGBA. The region's
// byte order matches image.RGBA's Pix layout, so this is a straight copy.
func (f *Framebuffer) Image() *image.RGBA {
	return framebufferImage(f.bus.FramebufferBytes(), f.width, f.height)
}

func framebufferImage(raw []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	copy(img.Pix, raw[:width*height*FB_BYTES_PER_PIX])
	return img
}

// EncodeBMP writes the visible framebuffer as a BMP stream.
func (f *Framebuffer) EncodeBMP(w io.Writer) error {
	return bmp.Encode(w, f.Image())
}

// WriteBMPFile exports the visible framebuffer to path.
func (f *Framebuffer) WriteBMPFile(path string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("framebuffer export: %w", err)
	}
	defer out.Close()
	if err := f.EncodeBMP(out); err != nil {
		return fmt.Errorf("framebuffer export: %w", err)
	}
	return nil
}

// EncodeRawBMP renders a detached framebuffer byte image (as stored in a
// snapshot) without a live bus.
func EncodeRawBMP(w io.Writer, raw []byte, width, height int) error {
	if width <= 0 || height <= 0 || len(raw) < width*height*FB_BYTES_PER_PIX {
		return fmt.Errorf("raw framebuffer %dx%d: short image (%d bytes)", width, height, len(raw))
	}
	return bmp.Encode(w, framebufferImage(raw, width, height))
}
