// Package imaging crops screenshot regions and scores them against reference templates.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"

	"golang.org/x/image/draw"
)

// Region is a rectangle expressed as fractions of the frame width and height.
type Region struct {
	X float64 `json:"x" mapstructure:"x" yaml:"x"`
	Y float64 `json:"y" mapstructure:"y" yaml:"y"`
	W float64 `json:"w" mapstructure:"w" yaml:"w"`
	H float64 `json:"h" mapstructure:"h" yaml:"h"`
}

// FullFrame covers the whole screenshot.
var FullFrame = Region{X: 0, Y: 0, W: 1, H: 1}

const fracEpsilon = 1e-9

// Validate checks that the region lies inside the unit square and is not empty.
func (r Region) Validate() error {
	names := [4]string{"x", "y", "w", "h"}
	for i, v := range [4]float64{r.X, r.Y, r.W, r.H} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("roi %s=%v is outside [0,1]", names[i], v)
		}
	}
	if r.W <= 0 || r.H <= 0 {
		return errors.New("roi width and height must be positive")
	}
	if r.X+r.W > 1+fracEpsilon || r.Y+r.H > 1+fracEpsilon {
		return fmt.Errorf("roi %+v extends past the frame", r)
	}
	return nil
}

// Rect maps the region onto concrete frame bounds, truncating to whole pixels.
func (r Region) Rect(bounds image.Rectangle) image.Rectangle {
	w, h := bounds.Dx(), bounds.Dy()
	left := int(float64(w) * r.X)
	top := int(float64(h) * r.Y)
	right := left + int(float64(w)*r.W)
	bottom := top + int(float64(h)*r.H)

	rect := image.Rect(left, top, right, bottom).Add(bounds.Min)
	return rect.Intersect(bounds)
}

// Decode parses PNG (or any registered format) screenshot bytes.
func Decode(b []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return img, nil
}

// Crop copies the region of img into a new RGBA image anchored at (0,0).
func Crop(img image.Image, r Region) (*image.RGBA, error) {
	rect := r.Rect(img.Bounds())
	if rect.Empty() {
		return nil, fmt.Errorf("roi %+v is empty on a %dx%d frame", r, img.Bounds().Dx(), img.Bounds().Dy())
	}
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst, nil
}

// Resize scales img to w x h with bilinear interpolation.
func Resize(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// ToRGBA returns img as an RGBA image anchored at (0,0), copying only when needed.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// LoadReference reads a reference template from disk.
func LoadReference(path string) (*image.RGBA, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reference %s: %w", path, err)
	}
	img, err := Decode(b)
	if err != nil {
		return nil, fmt.Errorf("reference %s: %w", path, err)
	}
	return ToRGBA(img), nil
}

// SavePNG writes img to path.
func SavePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
