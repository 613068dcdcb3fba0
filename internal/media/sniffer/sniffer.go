package sniffer

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

type MediaType string

const (
	TypeJPEG MediaType = "jpeg"
	TypePNG  MediaType = "png"
	TypeGIF  MediaType = "gif"
	TypeWEBP MediaType = "webp"
	TypeAVIF MediaType = "avif"
	TypeHEIC MediaType = "heic"
)

var (
	ErrUnknownType     = errors.New("unknown media type")
	ErrUnsupportedType = errors.New("unsupported media type")
)

var known = []struct {
	mime string
	typ  MediaType
}{
	{"image/jpeg", TypeJPEG},
	{"image/png", TypePNG},
	{"image/gif", TypeGIF},
	{"image/webp", TypeWEBP},
	{"image/avif", TypeAVIF},
	{"image/heic", TypeHEIC},
	{"image/heif", TypeHEIC},
}

type Result struct {
	Type MediaType
	MIME string
}

// Rasterizable reports whether the converter can decode the type.
func (r Result) Rasterizable() bool {
	switch r.Type {
	case TypeJPEG, TypePNG, TypeGIF, TypeWEBP:
		return true
	default:
		return false
	}
}

// DetectUpload sniffs an upload and rejects types the pipeline cannot convert.
func DetectUpload(data []byte) (Result, error) {
	result, err := Detect(data)
	if err != nil {
		return Result{}, err
	}
	if !result.Rasterizable() {
		return result, ErrUnsupportedType
	}
	return result, nil
}

func Detect(data []byte) (Result, error) {
	if len(data) == 0 {
		return Result{}, ErrUnknownType
	}
	detected := mimetype.Detect(data)
	for _, k := range known {
		if detected.Is(k.mime) {
			return Result{Type: k.typ, MIME: k.mime}, nil
		}
	}
	return Result{}, ErrUnknownType
}

func MimeTypeFromHTTP(header http.Header) string {
	contentType := header.Get("Content-Type")
	if contentType == "" {
		return ""
	}
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		return strings.TrimSpace(contentType[:idx])
	}
	return strings.TrimSpace(contentType)
}
