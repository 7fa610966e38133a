// Package imaging checks that an upload is an image the service accepts:
// an allowed extension and a header that one of the registered decoders can
// read.
package imaging

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var ErrInvalidImage = errors.New("invalid image")

type Format string

const (
	FormatJPEG  Format = "jpeg"
	FormatPNG   Format = "png"
	FormatGIF   Format = "gif"
	FormatBMP   Format = "bmp"
	FormatTIFF  Format = "tiff"
	FormatWEBP  Format = "webp"
	FormatDICOM Format = "dicom"
)

// Info is what validation learned about a file.
type Info struct {
	Format Format
	Width  int
	Height int
}

var contentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".webp": "image/webp",
	".dcm":  "application/dicom",
}

// Extensions accepted by each upload flow. The patient-backed flow also
// takes DICOM.
var (
	LegacyExtensions = []string{"jpg", "jpeg", "png", "gif", "bmp", "tif", "tiff"}
	CaseExtensions   = []string{"jpg", "jpeg", "png", "gif", "bmp", "tif", "tiff", "dcm"}
)

func Ext(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}

// AllowedExtension reports whether name ends in one of allowed
// (case-insensitive, without dots).
func AllowedExtension(name string, allowed []string) bool {
	ext := Ext(name)
	if ext == "" {
		return false
	}
	for _, a := range allowed {
		if ext == a {
			return true
		}
	}
	return false
}

// ContentType returns the MIME type for a stored file name.
func ContentType(name string) string {
	if ct, ok := contentTypes["."+Ext(name)]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Validate decodes the file header. DICOM files are parsed fully; everything
// else goes through image.DecodeConfig. A file that cannot be read as an
// image, or reports zero dimensions, yields ErrInvalidImage.
func Validate(path string) (*Info, error) {
	if Ext(path) == "dcm" {
		return validateDICOM(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: zero dimensions", ErrInvalidImage)
	}
	return &Info{Format: Format(format), Width: cfg.Width, Height: cfg.Height}, nil
}

func validateDICOM(path string) (*Info, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	info := &Info{Format: FormatDICOM}
	info.Height, err = firstInt(ds, tag.Rows)
	if err != nil {
		return nil, err
	}
	info.Width, err = firstInt(ds, tag.Columns)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// firstInt reads a positive integer element. Objects without Rows and
// Columns carry no pixel data and are not images.
func firstInt(ds dicom.Dataset, t tag.Tag) (int, error) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, fmt.Errorf("%w: missing %s", ErrInvalidImage, t)
	}
	ints, ok := elem.Value.GetValue().([]int)
	if !ok || len(ints) == 0 || ints[0] <= 0 {
		return 0, fmt.Errorf("%w: bad %s", ErrInvalidImage, t)
	}
	return ints[0], nil
}
