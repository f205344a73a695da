package main

import (
	"bytes"
	"testing"
)

// TestFramebufferGeometryValidation verifies oversized and degenerate
// geometries are rejected at construction.
func TestFramebufferGeometryValidation(t *testing.T) {
	bus := NewSystemBus()

	if _, err := NewFramebuffer(bus, 0, 480); err == nil {
		t.Fatal("zero width should be rejected")
	}
	if _, err := NewFramebuffer(bus, 640, -1); err == nil {
		t.Fatal("negative height should be rejected")
	}
	// 2048x2048x4 bytes overruns the 4MB window by a factor of four.
	if _, err := NewFramebuffer(bus, 2048, 2048); err == nil {
		t.Fatal("geometry larger than the window should be rejected")
	}
	if _, err := NewFramebuffer(bus, 1024, 1024); err != nil {
		t.Fatalf("1024x1024 fills the window exactly and should fit: %v", err)
	}
}

// TestFramebufferPixelAddr verifies the linear RGBA layout.
func TestFramebufferPixelAddr(t *testing.T) {
	bus := NewSystemBus()
	fb, err := NewFramebuffer(bus, 640, 480)
	if err != nil {
		t.Fatalf("NewFramebuffer failed: %v", err)
	}

	addr, ok := fb.PixelAddr(0, 0)
	if !ok || addr != FB_BASE {
		t.Fatalf("PixelAddr(0,0) = 0x%08X, want 0x%08X", addr, uint32(FB_BASE))
	}
	addr, ok = fb.PixelAddr(3, 2)
	want := uint32(FB_BASE + (2*640+3)*FB_BYTES_PER_PIX)
	if !ok || addr != want {
		t.Fatalf("PixelAddr(3,2) = 0x%08X, want 0x%08X", addr, want)
	}
	if _, ok := fb.PixelAddr(640, 0); ok {
		t.Fatal("x beyond the width should be rejected")
	}
	if _, ok := fb.PixelAddr(0, 480); ok {
		t.Fatal("y beyond the height should be rejected")
	}
}

// TestFramebufferPixelRoundTrip verifies pixel writes land as RGBA bytes
// in guest-visible memory.
func TestFramebufferPixelRoundTrip(t *testing.T) {
	bus := NewSystemBus()
	fb, _ := NewFramebuffer(bus, 640, 480)

	if !fb.WritePixel(1, 0, 0x10, 0x20, 0x30, 0xFF) {
		t.Fatal("WritePixel failed")
	}
	r, g, b, a, ok := fb.ReadPixel(1, 0)
	if !ok || r != 0x10 || g != 0x20 || b != 0x30 || a != 0xFF {
		t.Fatalf("ReadPixel = (%02X %02X %02X %02X), want (10 20 30 FF)", r, g, b, a)
	}

	// Byte order in memory is R, G, B, A ascending.
	base := uint32(FB_BASE + 1*FB_BYTES_PER_PIX)
	for i, want := range []byte{0x10, 0x20, 0x30, 0xFF} {
		got, _ := bus.ReadByte(base + uint32(i))
		if got != want {
			t.Fatalf("component %d = 0x%02X, want 0x%02X", i, got, want)
		}
	}

	// Guest stores through the bus are visible to the host view.
	bus.WriteWord(FB_BASE, 0xFF0000FF) // red 0xFF, alpha 0xFF
	r, g, b, a, _ = fb.ReadPixel(0, 0)
	if r != 0xFF || g != 0 || b != 0 || a != 0xFF {
		t.Fatalf("guest-written pixel = (%02X %02X %02X %02X), want (FF 00 00 FF)", r, g, b, a)
	}
}

// TestFramebufferImage verifies the RGBA copy matches memory content.
func TestFramebufferImage(t *testing.T) {
	bus := NewSystemBus()
	fb, _ := NewFramebuffer(bus, 16, 8)
	fb.WritePixel(2, 1, 0xAB, 0xCD, 0xEF, 0x80)

	img := fb.Image()
	if img.Rect.Dx() != 16 || img.Rect.Dy() != 8 {
		t.Fatalf("image bounds = %v, want 16x8", img.Rect)
	}
	c := img.RGBAAt(2, 1)
	if c.R != 0xAB || c.G != 0xCD || c.B != 0xEF || c.A != 0x80 {
		t.Fatalf("image pixel = %+v, want RGBA(AB CD EF 80)", c)
	}
}

// TestEncodeBMPProducesValidStream verifies the exporter emits a BMP
// signature and rejects short raw images.
func TestEncodeBMPProducesValidStream(t *testing.T) {
	bus := NewSystemBus()
	fb, _ := NewFramebuffer(bus, 8, 8)
	fb.WritePixel(0, 0, 0xFF, 0, 0, 0xFF)

	var buf bytes.Buffer
	if err := fb.EncodeBMP(&buf); err != nil {
		t.Fatalf("EncodeBMP failed: %v", err)
	}
	if buf.Len() < 2 || buf.Bytes()[0] != 'B' || buf.Bytes()[1] != 'M' {
		t.Fatalf("output does not start with the BMP signature: % X", buf.Bytes()[:2])
	}

	if err := EncodeRawBMP(&buf, make([]byte, 10), 8, 8); err == nil {
		t.Fatal("short raw image should be rejected")
	}
	buf.Reset()
	raw := make([]byte, 8*8*FB_BYTES_PER_PIX)
	if err := EncodeRawBMP(&buf, raw, 8, 8); err != nil {
		t.Fatalf("EncodeRawBMP failed: %v", err)
	}
	if buf.Bytes()[0] != 'B' || buf.Bytes()[1] != 'M' {
		t.Fatal("raw export does not start with the BMP signature")
	}
}
