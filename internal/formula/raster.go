package formula

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os/exec"
	"strconv"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
)

const whiteThreshold = 248

type Rasterizer interface {
	Rasterize(ctx context.Context, data []byte, ext string) ([]byte, error)
}

type MagickRasterizer struct {
	binary  string
	density int
	padding int
}

// NewMagickRasterizer locates the ImageMagick binary, preferring "magick" over the legacy "convert".
func NewMagickRasterizer(binary string, density, padding int) (*MagickRasterizer, error) {
	if binary == "" {
		for _, name := range []string{"magick", "convert"} {
			if p, err := exec.LookPath(name); err == nil {
				binary = p
				break
			}
		}
	}
	if binary == "" {
		return nil, fmt.Errorf("imagemagick not found in PATH")
	}
	if density <= 0 {
		density = 300
	}
	return &MagickRasterizer{binary: binary, density: density, padding: padding}, nil
}

func (m *MagickRasterizer) Rasterize(ctx context.Context, data []byte, ext string) ([]byte, error) {
	format := strings.TrimPrefix(strings.ToLower(ext), ".")
	if format == "" {
		format = "wmf"
	}
	cmd := exec.CommandContext(ctx, m.binary,
		"-density", strconv.Itoa(m.density),
		"-background", "white",
		"-alpha", "remove",
		"-alpha", "off",
		"-colorspace", "sRGB",
		format+":-",
		"png:-",
	)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("rasterize %s: %w: %s", format, err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("rasterize %s: empty output", format)
	}
	return TrimWhitespace(stdout.Bytes(), m.padding)
}

// TrimWhitespace crops near-white borders from a raster and re-pads it with white.
// An all-white image is returned unchanged.
func TrimWhitespace(data []byte, padding int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode raster: %w", err)
	}
	b := src.Bounds()
	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if isNearWhite(src.At(x, y)) {
				continue
			}
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}
	if maxX < minX || maxY < minY {
		return data, nil
	}
	if padding < 0 {
		padding = 0
	}
	crop := image.Rect(minX, minY, maxX+1, maxY+1)
	dst := image.NewRGBA(image.Rect(0, 0, crop.Dx()+2*padding, crop.Dy()+2*padding))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(padding, padding, padding+crop.Dx(), padding+crop.Dy()), src, crop.Min, draw.Src)
	var out bytes.Buffer
	if err := png.Encode(&out, dst); err != nil {
		return nil, fmt.Errorf("encode raster: %w", err)
	}
	return out.Bytes(), nil
}

func isNearWhite(c color.Color) bool {
	r, g, b, a := c.RGBA()
	if a == 0 {
		return true
	}
	limit := uint32(whiteThreshold) * 0x101
	return r >= limit && g >= limit && b >= limit
}
