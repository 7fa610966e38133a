// Package blobstore stores uploaded images on the local filesystem, one
// subdirectory per owning user.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrBlobNotFound    = errors.New("blob not found")
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrEmptyFile       = errors.New("file is empty")
	ErrMissingFileName = errors.New("file name is required")
	ErrInvalidPath     = errors.New("path escapes storage root")
)

// timestampLayout gives microsecond resolution so two uploads of the same
// original name get different stored names.
const timestampLayout = "20060102_150405_000000"

// maxCollisionRetries bounds the suffix search when two saves land on the
// same microsecond.
const maxCollisionRetries = 100

// StoredFile describes a file written by Save. Path is relative to the
// store root and is what callers persist.
type StoredFile struct {
	Filename string
	Path     string
	Size     int64
	SHA256   string
}

// Store is the storage contract used by the case and account services.
type Store interface {
	Save(ctx context.Context, ownerID, originalName string, r io.Reader, maxBytes int64) (*StoredFile, error)
	Open(path string) (*os.File, error)
	Remove(path string) error
	RemoveOwner(ownerID string) error
	Abs(path string) (string, error)
}

type FileStore struct {
	root string
	now  func() time.Time
}

// NewFileStore creates root if needed.
func NewFileStore(root string) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &FileStore{root: abs, now: time.Now}, nil
}

// WithClock replaces the clock used for filename timestamps.
func (s *FileStore) WithClock(now func() time.Time) *FileStore {
	s.now = now
	return s
}

func (s *FileStore) Root() string { return s.root }

// Save writes r to <root>/<ownerID>/<timestamp>_<sanitized name>. Reading stops
// at maxBytes; a larger input is removed and reported as ErrFileTooLarge.
func (s *FileStore) Save(ctx context.Context, ownerID, originalName string, r io.Reader, maxBytes int64) (*StoredFile, error) {
	if strings.TrimSpace(originalName) == "" {
		return nil, ErrMissingFileName
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ownerDir, err := s.resolve(SanitizeFilename(ownerID))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(ownerDir, 0o750); err != nil {
		return nil, fmt.Errorf("create owner dir: %w", err)
	}

	f, name, err := s.create(ownerDir, SanitizeFilename(originalName))
	if err != nil {
		return nil, err
	}
	full := f.Name()

	h := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(f, h), io.LimitReader(r, maxBytes+1))
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		_ = os.Remove(full)
		return nil, fmt.Errorf("write upload: %w", copyErr)
	case closeErr != nil:
		_ = os.Remove(full)
		return nil, fmt.Errorf("close upload: %w", closeErr)
	case n > maxBytes:
		_ = os.Remove(full)
		return nil, ErrFileTooLarge
	case n == 0:
		_ = os.Remove(full)
		return nil, ErrEmptyFile
	}

	rel, _ := filepath.Rel(s.root, full)
	return &StoredFile{
		Filename: name,
		Path:     filepath.ToSlash(rel),
		Size:     n,
		SHA256:   hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// create opens a new file exclusively, adding a numeric suffix to the
// timestamp when the name is already taken.
func (s *FileStore) create(dir, safeName string) (*os.File, string, error) {
	stamp := s.now().UTC().Format(timestampLayout)
	for i := 0; i < maxCollisionRetries; i++ {
		name := stamp + "_" + safeName
		if i > 0 {
			name = fmt.Sprintf("%s-%d_%s", stamp, i, safeName)
		}
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if err == nil {
			return f, name, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("create upload file: %w", err)
		}
	}
	return nil, "", fmt.Errorf("create upload file: too many name collisions for %s", safeName)
}

func (s *FileStore) Open(path string) (*os.File, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	return f, err
}

// Remove deletes one stored file. A missing file is not an error.
func (s *FileStore) Remove(path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveOwner deletes an owner's whole upload directory.
func (s *FileStore) RemoveOwner(ownerID string) error {
	dir, err := s.resolve(SanitizeFilename(ownerID))
	if err != nil {
		return err
	}
	if dir == s.root {
		return ErrInvalidPath
	}
	return os.RemoveAll(dir)
}

// Abs returns the absolute filesystem path for a stored relative path.
func (s *FileStore) Abs(path string) (string, error) {
	return s.resolve(path)
}

func (s *FileStore) resolve(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", ErrInvalidPath
	}
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return full, nil
}

// SanitizeFilename keeps ASCII letters, digits, '.', '_' and '-', turns
// whitespace into underscores and strips leading dots and underscores.
// An empty result becomes "image".
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ' || r == '\t':
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), "._")
	if out == "" {
		return "image"
	}
	const maxLen = 200
	if len(out) > maxLen {
		ext := filepath.Ext(out)
		if len(ext) > 16 {
			ext = ""
		}
		out = out[:maxLen-len(ext)] + ext
	}
	return out
}
