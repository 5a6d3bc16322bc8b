// Package imagestore persists inline images returned by the upstream so the
// gateway can hand out stable URLs instead of base64 blobs.
package imagestore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

var extensions = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/jpg":  "jpg",
	"image/webp": "webp",
}

// Store writes decoded images to a directory and prunes old files so the
// directory never grows past maxImages.
type Store struct {
	dir       string
	maxImages int
	now       func() time.Time
}

func New(dir string, maxImages int) *Store {
	if maxImages <= 0 {
		maxImages = 10
	}
	return &Store{dir: dir, maxImages: maxImages, now: time.Now}
}

// Dir returns the directory images are written to.
func (s *Store) Dir() string { return s.dir }

// Save decodes base64 image data and writes it to disk, returning the stored
// filename. The write is atomic (temp file + rename); pruning failures are
// logged but never surfaced.
func (s *Store) Save(data, mimeType string) (string, error) {
	raw, err := decodeBase64(data)
	if err != nil {
		return "", fmt.Errorf("decode image data: %w", err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("empty image data")
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create image directory: %w", err)
	}

	name, err := s.fileName(mimeType)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(s.dir, ".img-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close image: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("rename image: %w", err)
	}

	s.prune()
	return name, nil
}

func (s *Store) fileName(mimeType string) (string, error) {
	ext, ok := extensions[strings.ToLower(strings.TrimSpace(mimeType))]
	if !ok {
		ext = "bin"
	}
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate image name: %w", err)
	}
	return fmt.Sprintf("%d_%s.%s", s.now().UnixMilli(), hex.EncodeToString(buf), ext), nil
}

// prune keeps the newest maxImages files by modification time. Best effort:
// unreadable entries are skipped, removal errors are logged and ignored.
func (s *Store) prune() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		log.Warnf("Image prune: read directory: %v", err)
		return
	}

	type file struct {
		name    string
		modTime time.Time
	}
	files := make([]file, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, file{name: e.Name(), modTime: info.ModTime()})
	}
	if len(files) <= s.maxImages {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })
	for _, f := range files[s.maxImages:] {
		if err := os.Remove(filepath.Join(s.dir, f.name)); err != nil {
			log.Warnf("Image prune: remove %s: %v", f.name, err)
		}
	}
}

// decodeBase64 accepts standard or URL-safe alphabets, optional data-URL
// prefixes, embedded whitespace, and missing padding.
func decodeBase64(data string) ([]byte, error) {
	s := strings.TrimSpace(data)
	if strings.HasPrefix(s, "data:") {
		if idx := strings.Index(s, ","); idx >= 0 {
			s = s[idx+1:]
		}
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
	s = strings.ReplaceAll(s, "-", "+")
	s = strings.ReplaceAll(s, "_", "/")
	if pad := len(s) % 4; pad != 0 {
		s += strings.Repeat("=", 4-pad)
	}
	return base64.StdEncoding.DecodeString(s)
}
