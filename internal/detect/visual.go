package detect

import (
	"context"
	"fmt"
	"image"
	"time"

	"tapbench/internal/device"
	"tapbench/internal/imaging"
)

// Visual polls screenshots until the region of interest matches the reference
// with a score >= Threshold.
type Visual struct {
	Matcher   *imaging.Matcher
	Threshold float64
	Timeout   time.Duration
	// Interval is the pause between captures. Keep it well below the cost of one
	// screenshot round trip.
	Interval time.Duration
	Clock    Clock
}

// VisualOptions configures NewVisual. Zero fields use package defaults.
type VisualOptions struct {
	Threshold float64
	Timeout   time.Duration
	Interval  time.Duration
}

// NewVisual builds a visual detector for reference over region.
func NewVisual(reference image.Image, region imaging.Region, opts VisualOptions) (*Visual, error) {
	m, err := imaging.NewMatcher(reference, region)
	if err != nil {
		return nil, err
	}
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Threshold < -1 || opts.Threshold > 1 {
		return nil, fmt.Errorf("match threshold %v outside [-1,1]", opts.Threshold)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Interval < 0 {
		opts.Interval = 0
	} else if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	return &Visual{
		Matcher:   m,
		Threshold: opts.Threshold,
		Timeout:   opts.Timeout,
		Interval:  opts.Interval,
	}, nil
}

func (v *Visual) Describe() string {
	r := v.Matcher.Region
	return fmt.Sprintf("template match >= %.2f in roi(x=%.2f y=%.2f w=%.2f h=%.2f) within %s",
		v.Threshold, r.X, r.Y, r.W, r.H, v.Timeout)
}

// Wait captures, crops and scores frames. The end timestamp is taken when the
// matching frame arrives, before it is scored, so comparison cost is not measured.
func (v *Visual) Wait(ctx context.Context, sess device.Session, start time.Time) Result {
	res := Result{State: Polling}
	for {
		if err := ctx.Err(); err != nil {
			res.State, res.Err, res.End = Failed, err, v.Clock.now()
			return res
		}

		shot, err := sess.Screenshot(ctx)
		observed := v.Clock.now()
		res.Polls++
		if err != nil {
			res.State, res.End = Failed, observed
			res.Err = fmt.Errorf("screenshot: %w", err)
			return res
		}

		score, err := v.Matcher.Match(shot)
		if err != nil {
			res.State, res.End = Failed, observed
			res.Err = err
			return res
		}
		if res.Polls == 1 || score > res.Score {
			res.Score = score
		}
		if score >= v.Threshold {
			return settle(res, start, observed, v.Timeout)
		}
		if observed.Sub(start) > v.Timeout {
			res.State, res.End = TimedOut, observed
			return res
		}

		if err := v.Clock.sleep(ctx, v.Interval); err != nil {
			res.State, res.Err, res.End = Failed, err, v.Clock.now()
			return res
		}
	}
}
