package storage

import (
	"fmt"
	"regexp"
	"strings"
)

type Kind string

const (
	KindImage  Kind = "images"
	KindAvatar Kind = "avatars"
)

type Variant string

const (
	VariantOriginal  Variant = "original"
	VariantThumbnail Variant = "thumbnail"
)

const thumbnailSuffix = "_thumbnail"

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Sanitize drops every character outside [A-Za-z0-9_-] so user-controlled
// identifiers can never escape their key prefix.
func Sanitize(s string) string {
	return unsafeKeyChars.ReplaceAllString(s, "")
}

// DeriveKey builds the object key for an avatar or an image rendition.
// imageID and variant are ignored for avatars.
func DeriveKey(kind Kind, userID, imageID string, variant Variant, ext string) (string, error) {
	user := Sanitize(userID)
	if user == "" {
		return "", fmt.Errorf("derive key: empty user id")
	}
	ext = Sanitize(strings.TrimPrefix(ext, "."))
	if ext == "" {
		return "", fmt.Errorf("derive key: empty extension")
	}

	switch kind {
	case KindAvatar:
		return fmt.Sprintf("avatars/%s.%s", user, ext), nil
	case KindImage:
		image := Sanitize(imageID)
		if image == "" {
			return "", fmt.Errorf("derive key: empty image id")
		}
		switch variant {
		case VariantOriginal:
			return fmt.Sprintf("images/%s/%s.%s", user, image, ext), nil
		case VariantThumbnail:
			return fmt.Sprintf("images/%s/%s%s.%s", user, image, thumbnailSuffix, ext), nil
		default:
			return "", fmt.Errorf("derive key: unknown variant %q", variant)
		}
	default:
		return "", fmt.Errorf("derive key: unknown kind %q", kind)
	}
}

// ImageKeys returns the original and thumbnail keys of one image.
func ImageKeys(userID, imageID, ext string) (original, thumbnail string, err error) {
	original, err = DeriveKey(KindImage, userID, imageID, VariantOriginal, ext)
	if err != nil {
		return "", "", err
	}
	thumbnail, err = DeriveKey(KindImage, userID, imageID, VariantThumbnail, ext)
	if err != nil {
		return "", "", err
	}
	return original, thumbnail, nil
}

type ImageKey struct {
	UserID  string
	ImageID string
	Variant Variant
	Ext     string
}

// ParseImageKey is the inverse of DeriveKey for image keys.
func ParseImageKey(key string) (ImageKey, bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != string(KindImage) {
		return ImageKey{}, false
	}
	name, ext, ok := strings.Cut(parts[2], ".")
	if !ok || ext == "" || strings.Contains(ext, ".") {
		return ImageKey{}, false
	}
	variant := VariantOriginal
	if trimmed, found := strings.CutSuffix(name, thumbnailSuffix); found {
		name = trimmed
		variant = VariantThumbnail
	}
	if parts[1] == "" || name == "" || Sanitize(parts[1]) != parts[1] || Sanitize(name) != name {
		return ImageKey{}, false
	}
	return ImageKey{UserID: parts[1], ImageID: name, Variant: variant, Ext: ext}, true
}
