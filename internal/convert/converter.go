package convert

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"katasu/internal/config"
	"katasu/internal/storage"
)

const (
	ContentType = "image/jpeg"
	Extension   = "jpg"
)

type Dimensions struct {
	Width  int
	Height int
}

func (d Dimensions) AspectRatio() float64 {
	long, short := d.Width, d.Height
	if short > long {
		long, short = short, long
	}
	if short <= 0 {
		return 0
	}
	return float64(long) / float64(short)
}

type Rendition struct {
	Variant     storage.Variant
	Data        []byte
	Width       int
	Height      int
	ContentType string
}

type Renditions struct {
	Original  Rendition
	Thumbnail Rendition
}

type profile struct {
	variant storage.Variant
	maxEdge int
	quality int
}

// Converter turns one uploaded image into its original and thumbnail
// renditions. It holds no state besides its limits.
type Converter struct {
	original       profile
	thumbnail      profile
	maxAspectRatio float64
}

func NewConverter(cfg config.ConvertConfig) *Converter {
	return &Converter{
		original:       profile{variant: storage.VariantOriginal, maxEdge: cfg.OriginalMaxEdge, quality: cfg.OriginalQuality},
		thumbnail:      profile{variant: storage.VariantThumbnail, maxEdge: cfg.ThumbnailMaxEdge, quality: cfg.ThumbnailQuality},
		maxAspectRatio: cfg.MaxAspectRatio,
	}
}

// Probe returns the display dimensions of raw, i.e. after applying the EXIF
// orientation (5-8 swap width and height).
func (c *Converter) Probe(raw []byte) (Dimensions, error) {
	img, err := decode(raw)
	if err != nil {
		return Dimensions{}, err
	}
	b := img.Bounds()
	return Dimensions{Width: b.Dx(), Height: b.Dy()}, nil
}

func (c *Converter) CheckAspectRatio(dims Dimensions) error {
	if dims.Width <= 0 || dims.Height <= 0 {
		return fmt.Errorf("%w: invalid dimensions %dx%d", ErrDecodeFailed, dims.Width, dims.Height)
	}
	if ratio := dims.AspectRatio(); ratio > c.maxAspectRatio {
		return fmt.Errorf("%w: %dx%d is %.2f:1, limit %.2f:1", ErrAspectRatioRejected, dims.Width, dims.Height, ratio, c.maxAspectRatio)
	}
	return nil
}

// Convert validates dims and renders both renditions concurrently.
func (c *Converter) Convert(ctx context.Context, raw []byte, dims Dimensions) (Renditions, error) {
	if err := c.CheckAspectRatio(dims); err != nil {
		return Renditions{}, err
	}

	src, err := decode(raw)
	if err != nil {
		return Renditions{}, err
	}

	var out Renditions
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := render(ctx, src, c.original)
		out.Original = r
		return err
	})
	g.Go(func() error {
		r, err := render(ctx, src, c.thumbnail)
		out.Thumbnail = r
		return err
	})
	if err := g.Wait(); err != nil {
		return Renditions{}, err
	}
	return out, nil
}

// Thumbnail renders only the thumbnail from an already converted original.
func (c *Converter) Thumbnail(ctx context.Context, original []byte) (Rendition, error) {
	src, err := decode(original)
	if err != nil {
		return Rendition{}, err
	}
	return render(ctx, src, c.thumbnail)
}

func decode(raw []byte) (image.Image, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecodeFailed)
	}
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return img, nil
}

func render(ctx context.Context, src image.Image, p profile) (Rendition, error) {
	if err := ctx.Err(); err != nil {
		return Rendition{}, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}

	resized := imaging.Fit(src, p.maxEdge, p.maxEdge, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(p.quality)); err != nil {
		return Rendition{}, fmt.Errorf("%w: %s: %v", ErrEncodeFailed, p.variant, err)
	}

	b := resized.Bounds()
	return Rendition{
		Variant:     p.variant,
		Data:        buf.Bytes(),
		Width:       b.Dx(),
		Height:      b.Dy(),
		ContentType: ContentType,
	}, nil
}
