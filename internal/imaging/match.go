package imaging

import (
	"fmt"
	"image"
	"math"
)

// Score computes the normalized correlation coefficient (TM_CCOEFF_NORMED) of two
// equally sized RGBA images. Each channel has its mean removed; sums run over all
// three colour channels. The result lies in [-1, 1].
//
// A zero denominator means at least one image is flat: two identical flat images
// score 1, anything else scores 0.
func Score(a, b *image.RGBA) (float64, error) {
	ab, bb := a.Bounds(), b.Bounds()
	if ab.Dx() != bb.Dx() || ab.Dy() != bb.Dy() {
		return 0, fmt.Errorf("size mismatch: %dx%d vs %dx%d", ab.Dx(), ab.Dy(), bb.Dx(), bb.Dy())
	}
	w, h := ab.Dx(), ab.Dy()
	n := float64(w * h)
	if n == 0 {
		return 0, fmt.Errorf("empty image")
	}

	var meanA, meanB [3]float64
	for y := 0; y < h; y++ {
		pa := a.Pix[y*a.Stride:]
		pb := b.Pix[y*b.Stride:]
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				meanA[c] += float64(pa[x*4+c])
				meanB[c] += float64(pb[x*4+c])
			}
		}
	}
	for c := 0; c < 3; c++ {
		meanA[c] /= n
		meanB[c] /= n
	}

	var num, varA, varB float64
	identical := true
	for y := 0; y < h; y++ {
		pa := a.Pix[y*a.Stride:]
		pb := b.Pix[y*b.Stride:]
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				va, vb := pa[x*4+c], pb[x*4+c]
				if va != vb {
					identical = false
				}
				da := float64(va) - meanA[c]
				db := float64(vb) - meanB[c]
				num += da * db
				varA += da * da
				varB += db * db
			}
		}
	}

	den := math.Sqrt(varA * varB)
	if den == 0 {
		if identical {
			return 1, nil
		}
		return 0, nil
	}
	return num / den, nil
}

// Matcher scores frames against a reference, resizing the reference to the crop size
// when they differ. Resized references are cached per size.
type Matcher struct {
	Reference *image.RGBA
	Region    Region

	resized map[image.Point]*image.RGBA
}

// NewMatcher builds a matcher for ref over region r.
func NewMatcher(ref image.Image, r Region) (*Matcher, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &Matcher{Reference: ToRGBA(ref), Region: r}, nil
}

// Match decodes a screenshot, crops the region and returns its score.
func (m *Matcher) Match(screenshot []byte) (float64, error) {
	frame, err := Decode(screenshot)
	if err != nil {
		return 0, err
	}
	return m.MatchImage(frame)
}

// MatchImage crops the region of frame and returns its score.
func (m *Matcher) MatchImage(frame image.Image) (float64, error) {
	crop, err := Crop(frame, m.Region)
	if err != nil {
		return 0, err
	}
	return Score(crop, m.referenceFor(crop.Bounds().Size()))
}

func (m *Matcher) referenceFor(size image.Point) *image.RGBA {
	if m.Reference.Bounds().Size() == size {
		return m.Reference
	}
	if m.resized == nil {
		m.resized = make(map[image.Point]*image.RGBA)
	}
	if r, ok := m.resized[size]; ok {
		return r
	}
	r := Resize(m.Reference, size.X, size.Y)
	m.resized[size] = r
	return r
}
