// Package devicetest provides an in-memory device.Session for tests.
package devicetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tapbench/internal/device"
)

// Fake is a scriptable session. Elements are visible when Visible[locator value]
// is true; any *Func hook overrides the default behaviour. Every call is logged.
type Fake struct {
	mu sync.Mutex

	Visible map[string]bool
	Calls   []string
	Closed  int

	FindFunc       func(ctx context.Context, loc device.Locator) ([]device.Element, error)
	ClickFunc      func(ctx context.Context, el device.Element) error
	SendKeysFunc   func(ctx context.Context, el device.Element, text string) error
	LaunchFunc     func(ctx context.Context, app string) error
	TerminateFunc  func(ctx context.Context, app string) error
	ScreenshotFunc func(ctx context.Context) ([]byte, error)
	TapFunc        func(ctx context.Context, x, y int) error
}

// New returns a fake with the given elements visible.
func New(visible ...string) *Fake {
	f := &Fake{Visible: map[string]bool{}}
	for _, v := range visible {
		f.Visible[v] = true
	}
	return f
}

func (f *Fake) record(format string, args ...any) {
	f.mu.Lock()
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
	f.mu.Unlock()
}

// SetVisible toggles an element.
func (f *Fake) SetVisible(name string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Visible == nil {
		f.Visible = map[string]bool{}
	}
	f.Visible[name] = v
}

// CallLog returns a copy of the call log.
func (f *Fake) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

func (f *Fake) Launch(ctx context.Context, app string) error {
	f.record("launch:%s", app)
	if f.LaunchFunc != nil {
		return f.LaunchFunc(ctx, app)
	}
	return nil
}

func (f *Fake) Terminate(ctx context.Context, app string) error {
	f.record("terminate:%s", app)
	if f.TerminateFunc != nil {
		return f.TerminateFunc(ctx, app)
	}
	return nil
}

func (f *Fake) FindElements(ctx context.Context, loc device.Locator) ([]device.Element, error) {
	if f.FindFunc != nil {
		return f.FindFunc(ctx, loc)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Visible[loc.Value] {
		return []device.Element{{ID: loc.Value}}, nil
	}
	return nil, nil
}

func (f *Fake) Click(ctx context.Context, el device.Element) error {
	f.record("click:%s", el.ID)
	if f.ClickFunc != nil {
		return f.ClickFunc(ctx, el)
	}
	return nil
}

func (f *Fake) Clear(ctx context.Context, el device.Element) error {
	f.record("clear:%s", el.ID)
	return nil
}

func (f *Fake) SendKeys(ctx context.Context, el device.Element, text string) error {
	f.record("sendKeys:%s:%s", el.ID, text)
	if f.SendKeysFunc != nil {
		return f.SendKeysFunc(ctx, el, text)
	}
	return nil
}

func (f *Fake) Tap(ctx context.Context, x, y int) error {
	f.record("tap:%d,%d", x, y)
	if f.TapFunc != nil {
		return f.TapFunc(ctx, x, y)
	}
	return nil
}

func (f *Fake) Back(ctx context.Context) error {
	f.record("back")
	return nil
}

func (f *Fake) HideKeyboard(ctx context.Context) error {
	f.record("hideKeyboard")
	return nil
}

func (f *Fake) Screenshot(ctx context.Context) ([]byte, error) {
	if f.ScreenshotFunc != nil {
		return f.ScreenshotFunc(ctx)
	}
	return nil, fmt.Errorf("no screenshot configured")
}

func (f *Fake) Close(ctx context.Context) error {
	f.mu.Lock()
	f.Closed++
	f.mu.Unlock()
	return nil
}

// TickClock is a manual clock: every Now call advances the time by Step.
type TickClock struct {
	mu   sync.Mutex
	Cur  time.Time
	Step time.Duration
}

// NewTickClock starts at start and advances by step per reading.
func NewTickClock(start time.Time, step time.Duration) *TickClock {
	return &TickClock{Cur: start, Step: step}
}

func (c *TickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.Cur
	c.Cur = c.Cur.Add(c.Step)
	return t
}

// Advance moves the clock forward without reading it.
func (c *TickClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.Cur = c.Cur.Add(d)
	c.mu.Unlock()
}

// Sleep advances the clock instead of blocking.
func (c *TickClock) Sleep(ctx context.Context, d time.Duration) error {
	c.Advance(d)
	return ctx.Err()
}
