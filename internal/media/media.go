// Package media manages downloaded attachment files on disk.
package media

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
)

var extensions = map[string]store.MediaType{
	"jpg": store.MediaImage, "jpeg": store.MediaImage, "png": store.MediaImage,
	"gif": store.MediaImage, "webp": store.MediaImage, "bmp": store.MediaImage,
	"mp4": store.MediaVideo, "mov": store.MediaVideo, "avi": store.MediaVideo,
	"mkv": store.MediaVideo, "webm": store.MediaVideo,
	"mp3": store.MediaAudio, "wav": store.MediaAudio, "aac": store.MediaAudio,
	"m4a": store.MediaAudio, "ogg": store.MediaAudio,
	"pdf": store.MediaDocument, "doc": store.MediaDocument, "docx": store.MediaDocument,
	"txt": store.MediaDocument, "xls": store.MediaDocument, "xlsx": store.MediaDocument,
	"ppt": store.MediaDocument, "pptx": store.MediaDocument,
}

// Category classifies a file by its extension.
func Category(fileName string) store.MediaType {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	if t, ok := extensions[ext]; ok {
		return t
	}
	return store.MediaFileType
}

// Cache is a flat directory of downloaded files.
type Cache struct {
	dir string
}

// NewCache returns a cache rooted at dir. Call Init before writing.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Init creates the cache directory.
func (c *Cache) Init() error {
	return os.MkdirAll(c.dir, 0700)
}

// PathFor returns the destination for a new download of fileName belonging
// to messageID. Names are unique per download.
func (c *Cache) PathFor(messageID, fileName string, at time.Time) string {
	base := filepath.Base(fileName)
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "file"
	}
	return filepath.Join(c.dir, fmt.Sprintf("%s_%d_%s", messageID, at.UnixMilli(), base))
}

// Exists reports whether path still points at a regular file.
func (c *Cache) Exists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes a cached file. Missing files are not an error.
func (c *Cache) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Clear deletes every cached file and recreates the empty directory.
func (c *Cache) Clear() error {
	if err := os.RemoveAll(c.dir); err != nil {
		return err
	}
	return c.Init()
}

// Size returns the total bytes held by the cache. A missing directory is empty.
func (c *Cache) Size() (int64, error) {
	var total int64
	err := filepath.WalkDir(c.dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return total, err
}

// FormatSize renders a byte count with two decimals in the largest fitting unit.
func FormatSize(n int64) string {
	if n <= 0 {
		return "0 Bytes"
	}
	units := []string{"Bytes", "KB", "MB", "GB"}
	v := float64(n)
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	s := strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
	return s + " " + units[i]
}
