package cli

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"

	"tapbench/internal/detect"
	"tapbench/internal/device"
	"tapbench/internal/imaging"
	"tapbench/internal/logger"
)

// CaptureOptions controls Capture.
type CaptureOptions struct {
	Region imaging.Region
	// Launch activates App before the screenshot.
	App    string
	Launch bool
	// Delay waits before taking the screenshot, e.g. for an animation to finish.
	Delay time.Duration
	// FullFrame also saves the uncropped screenshot here.
	FullFrame string
}

// Capture saves the region of the current screen as a PNG reference template.
// It returns the crop size in pixels.
func Capture(ctx context.Context, sess device.Session, out string, opts CaptureOptions) (image.Point, error) {
	if err := opts.Region.Validate(); err != nil {
		return image.Point{}, err
	}
	if opts.Launch {
		if err := sess.Launch(ctx, opts.App); err != nil {
			return image.Point{}, fmt.Errorf("launch %s: %w", opts.App, err)
		}
	}
	if err := detect.Sleep(ctx, opts.Delay); err != nil {
		return image.Point{}, err
	}

	png, err := sess.Screenshot(ctx)
	if err != nil {
		return image.Point{}, fmt.Errorf("screenshot: %w", err)
	}
	frame, err := imaging.Decode(png)
	if err != nil {
		return image.Point{}, err
	}
	if opts.FullFrame != "" {
		if err := imaging.SavePNG(opts.FullFrame, frame); err != nil {
			return image.Point{}, err
		}
	}
	crop, err := imaging.Crop(frame, opts.Region)
	if err != nil {
		return image.Point{}, err
	}
	if err := imaging.SavePNG(out, crop); err != nil {
		return image.Point{}, err
	}
	size := crop.Bounds().Size()
	logger.Logger.Info("reference saved", "path", out,
		"frame", fmt.Sprintf("%dx%d", frame.Bounds().Dx(), frame.Bounds().Dy()),
		"crop", fmt.Sprintf("%dx%d", size.X, size.Y))
	return size, nil
}

// ParseRegion reads "x,y,w,h" fractions.
func ParseRegion(s string) (imaging.Region, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return imaging.Region{}, fmt.Errorf("roi %q: want x,y,w,h", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return imaging.Region{}, fmt.Errorf("roi %q: %w", s, err)
		}
		v[i] = f
	}
	r := imaging.Region{X: v[0], Y: v[1], W: v[2], H: v[3]}
	return r, r.Validate()
}
