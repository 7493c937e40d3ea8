// Package media keeps uploaded files on local disk and hands out their public paths.
package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const defaultExt = ".png"

// ErrUnsupportedType is returned for uploads whose extension is not an image, video or audio type.
var ErrUnsupportedType = errors.New("unsupported media type")

var allowedExt = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".bmp": true,
	".mp4": true, ".webm": true, ".mov": true, ".m4v": true,
	".mp3": true, ".ogg": true, ".oga": true, ".wav": true, ".m4a": true, ".aac": true, ".opus": true,
}

// Store writes uploads under Dir; they are served from PublicPrefix.
type Store struct {
	Dir          string
	PublicPrefix string
}

func NewStore(dir, publicPrefix string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Store{Dir: dir, PublicPrefix: strings.TrimRight(publicPrefix, "/")}, nil
}

// Store saves data under a fresh name that keeps the extension of suggestedName
// and returns the reference clients put into message bodies. Names without an
// extension are stored as .png; extensions outside allowedExt are refused.
func (s *Store) Store(data []byte, suggestedName string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("store media: empty file")
	}
	ext := strings.ToLower(filepath.Ext(filepath.Base(suggestedName)))
	if ext == "" {
		ext = defaultExt
	}
	if !allowedExt[ext] {
		return "", fmt.Errorf("store media %q: %w", ext, ErrUnsupportedType)
	}
	name := uuid.NewString() + ext
	if err := os.WriteFile(filepath.Join(s.Dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("store media: %w", err)
	}
	return s.PublicPrefix + "/" + name, nil
}
