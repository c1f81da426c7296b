// Package fetcher downloads the audio track of a watch URL to local disk.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nijaru/yt-audit/models"
	"github.com/nijaru/yt-audit/validation"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const audioExt = ".mp3"

// Extraction is what an Extractor produced for one URL.
type Extraction struct {
	Title        string
	ThumbnailURL string
	Path         string
}

// Extractor downloads the audio for url into dir.
type Extractor interface {
	Extract(ctx context.Context, url, dir string) (*Extraction, error)
}

type Fetcher struct {
	dir       string
	extractor Extractor

	// mu makes picking a free name and moving the file into it atomic
	// with respect to other fetches.
	mu sync.Mutex
}

func New(dir string, extractor Extractor) *Fetcher {
	return &Fetcher{dir: dir, extractor: extractor}
}

// Fetch downloads url and stores its audio under the download directory.
// An existing file is never replaced: name.mp3 becomes name_1.mp3 and so on.
func (f *Fetcher) Fetch(ctx context.Context, url string) (models.VideoRef, error) {
	if err := validation.ValidateWatchURL(url); err != nil {
		return models.VideoRef{}, err
	}

	log := logrus.WithField("url", url)
	log.Info("Fetching audio")

	tmp, err := os.MkdirTemp(f.dir, ".fetch-")
	if err != nil {
		return models.VideoRef{}, errors.Wrap(err, "failed to create temp dir")
	}
	defer os.RemoveAll(tmp)

	ex, err := f.extractor.Extract(ctx, url, tmp)
	if err != nil {
		log.WithError(err).Error("Audio extraction failed")
		return models.VideoRef{}, errors.Wrap(err, "failed to extract audio")
	}

	base := baseName(ex)
	dest, err := f.store(ex.Path, base)
	if err != nil {
		return models.VideoRef{}, err
	}

	log.WithFields(logrus.Fields{
		"title": ex.Title,
		"path":  dest,
	}).Info("Audio saved")

	return models.VideoRef{
		URL:          url,
		Title:        ex.Title,
		AudioPath:    dest,
		ThumbnailURL: ex.ThumbnailURL,
	}, nil
}

func (f *Fetcher) store(src, base string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dest, err := UniquePath(f.dir, base, audioExt)
	if err != nil {
		return "", err
	}
	if err := moveFile(src, dest); err != nil {
		return "", errors.Wrapf(err, "failed to move audio to %s", dest)
	}
	return dest, nil
}

// UniquePath returns dir/base+ext, or the first dir/base_N+ext that does not
// exist yet.
func UniquePath(dir, base, ext string) (string, error) {
	candidate := filepath.Join(dir, base+ext)
	for i := 1; ; i++ {
		_, err := os.Stat(candidate)
		if os.IsNotExist(err) {
			return candidate, nil
		}
		if err != nil {
			return "", errors.Wrapf(err, "failed to stat %s", candidate)
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, i, ext))
	}
}

func baseName(ex *Extraction) string {
	name := strings.TrimSuffix(filepath.Base(ex.Path), filepath.Ext(ex.Path))
	if name == "" || name == "." {
		name = sanitize(ex.Title)
	}
	if name == "" {
		name = "audio"
	}
	return name
}

func sanitize(title string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(title) {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteRune('_')
		case r < 0x20:
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// moveFile renames src to dest, copying when they sit on different devices.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
