package mockdevice

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"

	"tapbench/internal/imaging"
)

// Screenshots are a quarter of a 1080x2340 panel.
const (
	FrameWidth  = 270
	FrameHeight = 585
)

// MarkerRegion is where the results band is drawn.
var MarkerRegion = imaging.Region{X: 0, Y: 0.88, W: 1, H: 0.10}

var (
	framesOnce sync.Once
	frames     [2][]byte
	framesErr  error
)

// Frame returns the encoded screenshot with or without the results band.
func Frame(results bool) ([]byte, error) {
	framesOnce.Do(func() {
		for i, on := range []bool{false, true} {
			var buf bytes.Buffer
			if framesErr = png.Encode(&buf, render(on)); framesErr != nil {
				return
			}
			frames[i] = buf.Bytes()
		}
	})
	if framesErr != nil {
		return nil, framesErr
	}
	if results {
		return frames[1], nil
	}
	return frames[0], nil
}

func render(results bool) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, FrameWidth, FrameHeight))
	bg := color.RGBA{R: 236, G: 236, B: 240, A: 255}
	bar := color.RGBA{R: 40, G: 90, B: 200, A: 255}
	for y := 0; y < FrameHeight; y++ {
		for x := 0; x < FrameWidth; x++ {
			img.SetRGBA(x, y, bg)
		}
	}
	// title bar
	for y := 0; y < FrameHeight/12; y++ {
		for x := 0; x < FrameWidth; x++ {
			img.SetRGBA(x, y, bar)
		}
	}
	if !results {
		return img
	}
	band := MarkerRegion.Rect(img.Bounds())
	for y := band.Min.Y; y < band.Max.Y; y++ {
		for x := band.Min.X; x < band.Max.X; x++ {
			c := color.RGBA{R: 250, G: 180, B: 30, A: 255}
			if (x/9+y/7)%2 == 0 {
				c = color.RGBA{R: 30, G: 30, B: 30, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// Reference is the results band cropped from a results frame, for use as a
// visual completion template.
func Reference() (*image.RGBA, error) {
	return imaging.Crop(render(true), MarkerRegion)
}
