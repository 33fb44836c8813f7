// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package harvester

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Thumbnailer renders PNG thumbnails of a PDF's first page. Implementations
// write <stem>-thumb-{small,medium,large}.png next to the PDF. Thumbnail
// failures are non-fatal for the entry.
type Thumbnailer interface {
	Generate(pdfPath string) error
}

// thumbSizes maps the thumbnail suffix to its pixel height.
var thumbSizes = []struct {
	Name   string
	Height int
}{
	{"small", 150},
	{"medium", 300},
	{"large", 500},
}

// ConvertThumbnailer shells out to ImageMagick's convert binary.
type ConvertThumbnailer struct {
	Bin string // defaults to "convert"
}

// Generate implements Thumbnailer. Each size is rendered from the first page
// at 200 dpi and flattened; a failed size is skipped after logging.
func (t *ConvertThumbnailer) Generate(pdfPath string) error {
	bin := t.Bin
	if bin == "" {
		bin = "convert"
	}
	var firstErr error
	for _, size := range thumbSizes {
		out := thumbPath(pdfPath, size.Name)
		cmd := exec.Command(bin, "-quiet", "-density", "200",
			"-thumbnail", fmt.Sprintf("x%d", size.Height), "-flatten",
			pdfPath+"[0]", out)
		if err := cmd.Run(); err != nil {
			log.WithFields(log.Fields{"pdf": pdfPath, "size": size.Name}).
				WithError(err).Warn("thumbnail generation failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func thumbPath(pdfPath, size string) string {
	return strings.TrimSuffix(pdfPath, ".pdf") + "-thumb-" + size + ".png"
}

// ObjectStore uploads a local file under a remote prefix. Implementations
// choose the storage tier; the production S3 store uses the infrequent-access
// single-zone class. Per-file upload parallelism is the client's business, so
// the post-processor does not parallelize within an entry.
type ObjectStore interface {
	Upload(ctx context.Context, localPath, remotePrefix string) error
}

// storagePrefix derives the content-addressed shard for an id: the first
// eight characters sliced into four two-character segments, "aa/bb/cc/dd/".
func storagePrefix(id string) string {
	if len(id) < 8 {
		return id + "/"
	}
	return id[0:2] + "/" + id[2:4] + "/" + id[4:6] + "/" + id[6:8] + "/"
}

// postProcess finalizes one successful entry: optional thumbnails, upload to
// the object store or copy into the local sharded hierarchy, then scratch
// cleanup. Cleanup runs regardless of upload outcome, and local I/O errors
// are logged rather than surfaced.
func (h *Harvester) postProcess(ctx context.Context, e Entry) {
	id := e.ID()
	pdf := filepath.Join(h.cfg.DataPath, id+".pdf")
	nxml := filepath.Join(h.cfg.DataPath, id+".nxml")

	if h.thumbnail && h.thumbs != nil {
		if _, err := os.Stat(pdf); err == nil {
			_ = h.thumbs.Generate(pdf) // logged by the thumbnailer
		}
	}

	artifacts := []string{pdf, nxml}
	if h.thumbnail {
		for _, size := range thumbSizes {
			artifacts = append(artifacts, thumbPath(pdf, size.Name))
		}
	}

	prefix := storagePrefix(id)
	if h.objects != nil {
		for _, path := range artifacts {
			if _, err := os.Stat(path); err != nil {
				continue
			}
			if err := h.objects.Upload(ctx, path, prefix); err != nil {
				log.WithFields(log.Fields{"id": id, "file": filepath.Base(path)}).
					WithError(err).Warn("upload failed")
			}
		}
	} else {
		destDir := filepath.Join(h.cfg.DataPath, filepath.FromSlash(prefix))
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			log.WithField("dir", destDir).WithError(err).Warn("cannot create shard directory")
		} else {
			for _, path := range artifacts {
				if _, err := os.Stat(path); err != nil {
					continue
				}
				if err := copyFile(path, filepath.Join(destDir, filepath.Base(path))); err != nil {
					log.WithFields(log.Fields{"id": id, "file": filepath.Base(path)}).
						WithError(err).Warn("local copy failed")
				}
			}
		}
	}

	for _, path := range artifacts {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.WithField("file", path).WithError(err).Warn("scratch cleanup failed")
		}
	}
}

// removeScratch deletes any scratch artifacts of a failed entry.
func (h *Harvester) removeScratch(id string) {
	for _, suffix := range []string{".pdf", ".tar.gz", ".nxml"} {
		path := filepath.Join(h.cfg.DataPath, id+suffix)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.WithField("file", path).WithError(err).Warn("scratch cleanup failed")
		}
	}
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
