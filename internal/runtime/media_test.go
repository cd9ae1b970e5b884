package runtime

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
)

func writeTestPNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 80, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestStoreMediaReencodesImages(t *testing.T) {
	f := newFixture(t, Config{})
	src := filepath.Join(t.TempDir(), "pic.png")
	writeTestPNG(t, src, 64, 48)

	stored := f.rt.storeMedia(&f.tenant, []string{src})
	if len(stored) != 1 {
		t.Fatalf("stored = %v, want one path", stored)
	}
	if !strings.HasSuffix(stored[0], ".jpg") {
		t.Fatalf("path = %q, want a jpg", stored[0])
	}
	if _, err := os.Stat(filepath.Join(f.fs.Root(f.tenant.ID), stored[0])); err != nil {
		t.Fatalf("stored file missing: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("source file not cleaned up")
	}
}

func TestStoreMediaDownscalesLargeImages(t *testing.T) {
	f := newFixture(t, Config{})
	src := filepath.Join(t.TempDir(), "wide.png")
	writeTestPNG(t, src, mediaMaxDim+400, 200)

	stored := f.rt.storeMedia(&f.tenant, []string{src})
	if len(stored) != 1 {
		t.Fatalf("stored = %v, want one path", stored)
	}
	img, err := imaging.Open(filepath.Join(f.fs.Root(f.tenant.ID), stored[0]))
	if err != nil {
		t.Fatalf("reopen stored image: %v", err)
	}
	if b := img.Bounds(); b.Dx() > mediaMaxDim || b.Dy() > mediaMaxDim {
		t.Fatalf("dimensions %dx%d exceed the cap", b.Dx(), b.Dy())
	}
}

func TestStoreMediaKeepsNonImages(t *testing.T) {
	f := newFixture(t, Config{})
	src := filepath.Join(t.TempDir(), "notes.pdf")
	if err := os.WriteFile(src, []byte("%PDF-1.4 not really"), 0o644); err != nil {
		t.Fatal(err)
	}

	stored := f.rt.storeMedia(&f.tenant, []string{src})
	if len(stored) != 1 {
		t.Fatalf("stored = %v, want one path", stored)
	}
	if !strings.HasSuffix(stored[0], ".pdf") {
		t.Fatalf("path = %q, extension not kept", stored[0])
	}
	raw, err := os.ReadFile(filepath.Join(f.fs.Root(f.tenant.ID), stored[0]))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "%PDF-1.4 not really" {
		t.Fatalf("content changed: %q", raw)
	}
}
