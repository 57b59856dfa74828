package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tapbench/internal/device"
)

const (
	DefaultKillPause = 1 * time.Second
	DefaultSettle    = 3 * time.Second
)

// Recovery restarts the app under test to reach a known state. The same policy
// is used before trials (Config.ResetEachTrial) and after any trial that did
// not succeed.
type Recovery struct {
	App       string
	KillPause time.Duration
	Settle    time.Duration
}

func (r Recovery) withDefaults() Recovery {
	if r.KillPause <= 0 {
		r.KillPause = DefaultKillPause
	}
	if r.Settle <= 0 {
		r.Settle = DefaultSettle
	}
	return r
}

// restore terminates, relaunches and waits for the app to settle.
// A terminate error is tolerated unless the session itself is gone.
func (r Recovery) restore(ctx context.Context, e *stepEnv) error {
	r = r.withDefaults()

	if err := e.sess.Terminate(ctx, r.App); err != nil {
		if errors.Is(err, device.ErrSessionLost) || ctx.Err() != nil {
			return fmt.Errorf("terminate %s: %w", r.App, err)
		}
		e.log.Warn("terminate failed", "app", r.App, "err", err)
	}
	if err := e.sleep(ctx, r.KillPause); err != nil {
		return err
	}
	if err := e.sess.Launch(ctx, r.App); err != nil {
		return fmt.Errorf("launch %s: %w", r.App, err)
	}
	return e.sleep(ctx, r.Settle)
}
