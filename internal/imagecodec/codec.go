package imagecodec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var (
	ErrEmpty             = errors.New("empty image payload")
	ErrTooLarge          = errors.New("image too large")
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrCorrupt           = errors.New("corrupt image")
)

const (
	// Training preprocessing: Resize((224,224)), ToTensor, Normalize(0.5, 0.5).
	DefaultImageSize = 224
	DefaultMaxBytes  = 10 << 20
	DefaultMaxPixels = 40_000_000
)

var (
	DefaultMean = [3]float32{0.5, 0.5, 0.5}
	DefaultStd  = [3]float32{0.5, 0.5, 0.5}
)

// Layout is the memory order of the produced tensor.
type Layout string

const (
	LayoutNCHW Layout = "NCHW"
	LayoutNHWC Layout = "NHWC"
)

// ResizePolicy decides how a source image reaches the model resolution. It is
// fixed per deployment so that inference stays reproducible.
type ResizePolicy string

const (
	// ResizeStretch scales to exactly Width x Height, distorting aspect ratio.
	ResizeStretch ResizePolicy = "stretch"
	// ResizeCenterCrop scales the short side and crops the center.
	ResizeCenterCrop ResizePolicy = "center_crop"
)

var supportedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/bmp":  true,
	"image/gif":  true,
}

// Options configures a Codec. Zero values take the defaults above.
type Options struct {
	Width     int
	Height    int
	Mean      [3]float32
	Std       [3]float32
	Layout    Layout
	Resize    ResizePolicy
	MaxBytes  int
	MaxPixels int
}

func (o *Options) applyDefaults() {
	if o.Width <= 0 {
		o.Width = DefaultImageSize
	}
	if o.Height <= 0 {
		o.Height = o.Width
	}
	if o.Std == ([3]float32{}) {
		o.Mean = DefaultMean
		o.Std = DefaultStd
	}
	if o.Layout == "" {
		o.Layout = LayoutNCHW
	}
	if o.Resize == "" {
		o.Resize = ResizeStretch
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.MaxPixels <= 0 {
		o.MaxPixels = DefaultMaxPixels
	}
}

type Tensor struct {
	Data  []float32
	Shape []int64
}

// Codec turns uploaded bytes into normalized model input.
type Codec struct {
	opts Options
}

func New(opts Options) (*Codec, error) {
	opts.applyDefaults()

	switch opts.Layout {
	case LayoutNCHW, LayoutNHWC:
	default:
		return nil, fmt.Errorf("unknown tensor layout %q", opts.Layout)
	}
	switch opts.Resize {
	case ResizeStretch, ResizeCenterCrop:
	default:
		return nil, fmt.Errorf("unknown resize policy %q", opts.Resize)
	}
	for c, s := range opts.Std {
		if s == 0 {
			return nil, fmt.Errorf("std for channel %d must be non-zero", c)
		}
	}

	return &Codec{opts: opts}, nil
}

func (c *Codec) Options() Options {
	return c.opts
}

// Shape is the tensor shape every Decode produces.
func (c *Codec) Shape() []int64 {
	w, h := int64(c.opts.Width), int64(c.opts.Height)
	if c.opts.Layout == LayoutNHWC {
		return []int64{1, h, w, 3}
	}
	return []int64{1, 3, h, w}
}

// Decode validates, decodes, resizes and normalizes an image. It has no side
// effects.
func (c *Codec) Decode(data []byte, declaredMIME string) (*Tensor, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if len(data) > c.opts.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrTooLarge, len(data), c.opts.MaxBytes)
	}

	if err := checkDeclaredType(declaredMIME); err != nil {
		return nil, err
	}
	sniffed := http.DetectContentType(data)
	if !supportedTypes[sniffed] {
		return nil, fmt.Errorf("%w: content looks like %s, expected JPEG, PNG, WebP, BMP or GIF", ErrUnsupportedFormat, sniffed)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrCorrupt, cfg.Width, cfg.Height)
	}
	if cfg.Width*cfg.Height > c.opts.MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d pixels exceeds limit of %d", ErrTooLarge, cfg.Width, cfg.Height, c.opts.MaxPixels)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	return c.normalize(c.resize(img)), nil
}

func checkDeclaredType(declared string) error {
	mediaType := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	if mediaType == "" || mediaType == "application/octet-stream" || strings.HasPrefix(mediaType, "image/") {
		return nil
	}
	return fmt.Errorf("%w: declared content type %s", ErrUnsupportedFormat, declared)
}

func (c *Codec) resize(img image.Image) *image.NRGBA {
	w, h := c.opts.Width, c.opts.Height
	if c.opts.Resize == ResizeCenterCrop {
		return imaging.Fill(img, w, h, imaging.Center, imaging.Linear)
	}
	return imaging.Clone(resize.Resize(uint(w), uint(h), img, resize.Bilinear))
}

// normalize maps 8-bit RGB to (v/255 - mean) / std. Alpha is dropped.
func (c *Codec) normalize(img *image.NRGBA) *Tensor {
	w, h := c.opts.Width, c.opts.Height
	plane := w * h
	data := make([]float32, 3*plane)
	mean, std := c.opts.Mean, c.opts.Std
	nhwc := c.opts.Layout == LayoutNHWC

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+4*w]
		for x := 0; x < w; x++ {
			px := row[4*x : 4*x+3]
			pixelIndex := y*w + x
			for ch := 0; ch < 3; ch++ {
				v := (float32(px[ch])/255.0 - mean[ch]) / std[ch]
				if nhwc {
					data[3*pixelIndex+ch] = v
				} else {
					data[ch*plane+pixelIndex] = v
				}
			}
		}
	}

	return &Tensor{Data: data, Shape: c.Shape()}
}
