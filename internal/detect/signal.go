package detect

import (
	"context"
	"fmt"
	"time"

	"tapbench/internal/device"
)

// Signal polls the UI tree until Locator matches at least one element.
// There is no delay between queries: the loop is as tight as the session allows.
type Signal struct {
	Locator device.Locator
	Timeout time.Duration
	Clock   Clock
}

// NewSignal builds a signal detector; a zero timeout uses DefaultTimeout.
func NewSignal(loc device.Locator, timeout time.Duration) (*Signal, error) {
	norm, err := loc.Normalize()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Signal{Locator: norm, Timeout: timeout}, nil
}

func (s *Signal) Describe() string {
	return fmt.Sprintf("element %s within %s", s.Locator, s.Timeout)
}

func (s *Signal) Wait(ctx context.Context, sess device.Session, start time.Time) Result {
	res := Result{State: Polling}
	for {
		if err := ctx.Err(); err != nil {
			res.State, res.Err, res.End = Failed, err, s.Clock.now()
			return res
		}

		els, err := sess.FindElements(ctx, s.Locator)
		observed := s.Clock.now()
		res.Polls++

		if err != nil {
			res.State, res.End = Failed, observed
			res.Err = fmt.Errorf("poll %s: %w", s.Locator, err)
			return res
		}
		if len(els) > 0 {
			return settle(res, start, observed, s.Timeout)
		}
		if observed.Sub(start) > s.Timeout {
			res.State, res.End = TimedOut, observed
			return res
		}
	}
}
