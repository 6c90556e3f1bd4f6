// Package imageio loads view images, normalizes them to three-channel color,
// merges them with a separately computed alpha mask and writes PNGs.
//
// Decoding is pure Go (stdlib codecs plus golang.org/x/image for WebP, BMP
// and TIFF). HEIC/HEIF views are converted to PNG with ffmpeg first, the same
// way the thumbnail pipeline handles them.
package imageio

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	// Registered decoders for image.Decode.
	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
)

// MaskThreshold is the binarization cut: gray values strictly above it
// become opaque, everything else transparent.
const MaskThreshold = 127

// Decode opens and decodes an image file of any supported format.
func Decode(path string) (image.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".heic" || ext == ".heif" {
		return decodeHEIC(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", filepath.Base(path), err)
	}

	log.Debug().
		Str("path", path).
		Str("format", format).
		Int("width", img.Bounds().Dx()).
		Int("height", img.Bounds().Dy()).
		Msg("Image decoded")

	return img, nil
}

// DecodeBytes decodes an in-memory image of any supported format.
func DecodeBytes(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// LoadRGB decodes path and normalizes it to opaque three-channel color.
func LoadRGB(path string) (*image.RGBA, error) {
	img, err := Decode(path)
	if err != nil {
		return nil, err
	}
	return ToRGB(img), nil
}

// ToRGB drops any alpha channel: color values are taken un-premultiplied and
// every pixel becomes fully opaque. The result starts at the origin.
func ToRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			i := dst.PixOffset(x-b.Min.X, y-b.Min.Y)
			dst.Pix[i+0] = c.R
			dst.Pix[i+1] = c.G
			dst.Pix[i+2] = c.B
			dst.Pix[i+3] = 0xff
		}
	}
	return dst
}

// ToGray converts img to 8-bit luma (ITU-R 601-2), ignoring alpha.
func ToGray(img image.Image) *image.Gray {
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	if g, ok := img.(*image.Gray); ok {
		for y := 0; y < b.Dy(); y++ {
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+b.Dx()], g.Pix[g.PixOffset(b.Min.X, b.Min.Y+y):])
		}
		return dst
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			l := (uint32(c.R)*19595 + uint32(c.G)*38470 + uint32(c.B)*7471 + 0x8000) >> 16
			dst.Pix[dst.PixOffset(x-b.Min.X, y-b.Min.Y)] = uint8(l)
		}
	}
	return dst
}

// ResizeNearest scales a gray image to exactly width x height using
// nearest-neighbor sampling. It returns src unchanged when sizes already match.
func ResizeNearest(src *image.Gray, width, height int) *image.Gray {
	b := src.Bounds()
	if b.Dx() == width && b.Dy() == height && b.Min == (image.Point{}) {
		return src
	}
	dst := image.NewGray(image.Rect(0, 0, width, height))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// Binarize maps every pixel of g in place to 0 or 255 using MaskThreshold
// and returns the number of opaque pixels.
func Binarize(g *image.Gray) int {
	area := 0
	b := g.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := g.Pix[g.PixOffset(b.Min.X, y) : g.PixOffset(b.Min.X, y)+b.Dx()]
		for i, v := range row {
			if v > MaskThreshold {
				row[i] = 0xff
				area++
			} else {
				row[i] = 0
			}
		}
	}
	return area
}

// ComposeRGBA merges rgb with alpha. The mask is resized with nearest-neighbor
// sampling when its dimensions differ from the image.
func ComposeRGBA(rgb *image.RGBA, alpha *image.Gray) *image.NRGBA {
	b := rgb.Bounds()
	alpha = ResizeNearest(alpha, b.Dx(), b.Dy())

	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			si := rgb.PixOffset(b.Min.X+x, b.Min.Y+y)
			di := dst.PixOffset(x, y)
			dst.Pix[di+0] = rgb.Pix[si+0]
			dst.Pix[di+1] = rgb.Pix[si+1]
			dst.Pix[di+2] = rgb.Pix[si+2]
			dst.Pix[di+3] = alpha.Pix[alpha.PixOffset(x, y)]
		}
	}
	return dst
}

// withAlpha hides the opacity of an NRGBA image so png.Encode keeps the
// alpha channel even when every pixel is opaque.
type withAlpha struct{ *image.NRGBA }

func (withAlpha) Opaque() bool { return false }

// SavePNG encodes img as PNG at path, creating parent directories. NRGBA
// images are always written with an alpha channel (color type 6).
func SavePNG(img image.Image, path string) error {
	if n, ok := img.(*image.NRGBA); ok {
		img = withAlpha{n}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// EncodePNG returns img encoded as PNG bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}
