package runtime

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/tidewater-labs/concierge/internal/store"
)

const (
	mediaDir         = "media"
	mediaMaxDim      = 2048
	mediaJPEGQuality = 85
)

// storeMedia moves inbound attachments into the tenant's media directory
// and returns their paths relative to the tenant root, where the agent
// child runs. Images larger than the dimension cap are downscaled and
// re-encoded as JPEG; everything else is stored verbatim. A failed
// attachment is logged and skipped, never fatal to the message.
func (r *Runtime) storeMedia(tenant *store.Tenant, paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	day := time.Now().UTC().Format("2006-01-02")
	dir := filepath.Join(r.fs.Root(tenant.ID), mediaDir, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("runtime: creating media dir failed", "tenant_id", tenant.ID, "error", err)
		return nil
	}

	stored := make([]string, 0, len(paths))
	for _, src := range paths {
		name, err := storeAttachment(src, dir)
		if err != nil {
			slog.Warn("runtime: storing attachment failed",
				"tenant_id", tenant.ID, "path", src, "error", err)
			continue
		}
		os.Remove(src)
		stored = append(stored, filepath.Join(mediaDir, day, name))
	}
	return stored
}

func storeAttachment(src, dir string) (string, error) {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		// Not an image. Keep the bytes as they are.
		name := store.GenNewID().String() + strings.ToLower(filepath.Ext(src))
		if err := copyFile(src, filepath.Join(dir, name)); err != nil {
			return "", err
		}
		return name, nil
	}

	if b := img.Bounds(); b.Dx() > mediaMaxDim || b.Dy() > mediaMaxDim {
		img = imaging.Fit(img, mediaMaxDim, mediaMaxDim, imaging.Lanczos)
	}
	name := store.GenNewID().String() + ".jpg"
	if err := imaging.Save(img, filepath.Join(dir, name), imaging.JPEGQuality(mediaJPEGQuality)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	return name, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
