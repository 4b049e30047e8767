// Package attachment resolves local attachment references to uploadable files.
package attachment

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

var (
	// ErrNotFound is returned when the referenced file does not exist.
	ErrNotFound = errors.New("attachment not found")
	// ErrInvalidRef is returned for references that escape the attachment directory.
	ErrInvalidRef = errors.New("invalid attachment reference")
	// ErrUnreadablePDF is returned when a .pdf file cannot be parsed.
	ErrUnreadablePDF = errors.New("unreadable pdf")
)

// Attachment is a file loaded from local storage.
type Attachment struct {
	Ref         string
	Name        string
	ContentType string
	Data        []byte
	// Pages is set for PDFs only.
	Pages int
}

// Source opens attachments by local reference.
type Source interface {
	Open(ref string) (Attachment, error)
}

// DirSource reads attachments from a directory on disk.
type DirSource struct {
	root string
}

// NewDirSource returns a source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{root: filepath.Clean(dir)}
}

// Dir returns the attachment root.
func (s *DirSource) Dir() string {
	return s.root
}

var _ Source = (*DirSource)(nil)

// Open loads ref. ErrInvalidRef and ErrUnreadablePDF mean the attachment
// can never be uploaded as-is; ErrNotFound and other read errors may clear
// up once the file is written or the device recovers.
func (s *DirSource) Open(ref string) (Attachment, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return Attachment{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Attachment{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return Attachment{}, fmt.Errorf("reading attachment %s: %w", ref, err)
	}

	a := Attachment{
		Ref:         ref,
		Name:        filepath.Base(path),
		ContentType: ContentType(path),
		Data:        data,
	}

	if a.ContentType == "application/pdf" {
		pages, err := countPages(data)
		if err != nil {
			return Attachment{}, fmt.Errorf("%w: %s: %v", ErrUnreadablePDF, ref, err)
		}
		a.Pages = pages
	}
	return a, nil
}

func (s *DirSource) resolve(ref string) (string, error) {
	if ref == "" || filepath.IsAbs(ref) || strings.ContainsRune(ref, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	path := filepath.Join(s.root, filepath.FromSlash(ref))
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return path, nil
}

var knownTypes = map[string]string{
	".pdf":  "application/pdf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".heic": "image/heic",
	".webp": "image/webp",
	".txt":  "text/plain",
	".csv":  "text/csv",
}

// ContentType guesses a MIME type from the file extension.
func ContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := knownTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func countPages(data []byte) (pages int, err error) {
	// The pdf reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parsing pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, err
	}
	n := r.NumPage()
	if n < 1 {
		return 0, errors.New("pdf has no pages")
	}
	return n, nil
}
