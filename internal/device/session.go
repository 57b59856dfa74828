package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSessionLost means the automation session is unusable (connection drop, server restart,
	// invalid session id). Callers treat it as a SessionFailure.
	ErrSessionLost = errors.New("automation session lost")

	// ErrNoSuchElement is returned by single-element helpers when nothing matches.
	ErrNoSuchElement = errors.New("no such element")
)

// Locator strategies accepted by WebDriver/Appium servers.
const (
	ByID              = "id"
	ByAccessibilityID = "accessibility id"
	ByXPath           = "xpath"
	ByClassName       = "class name"
	ByIOSPredicate    = "-ios predicate string"
	ByIOSClassChain   = "-ios class chain"
	ByUIAutomator     = "-android uiautomator"
)

var strategyAliases = map[string]string{
	"id":                    ByID,
	"accessibility id":      ByAccessibilityID,
	"accessibility_id":      ByAccessibilityID,
	"accessibilityid":       ByAccessibilityID,
	"xpath":                 ByXPath,
	"class name":            ByClassName,
	"class_name":            ByClassName,
	"classname":             ByClassName,
	"-ios predicate string": ByIOSPredicate,
	"ios_predicate":         ByIOSPredicate,
	"predicate":             ByIOSPredicate,
	"-ios class chain":      ByIOSClassChain,
	"ios_class_chain":       ByIOSClassChain,
	"-android uiautomator":  ByUIAutomator,
	"android_uiautomator":   ByUIAutomator,
	"uiautomator":           ByUIAutomator,
}

// Locator selects elements in the UI tree.
type Locator struct {
	Using string `json:"using" mapstructure:"using" yaml:"using"`
	Value string `json:"value" mapstructure:"value" yaml:"value"`
}

// Normalize resolves strategy aliases ("predicate", "uiautomator", ...) to their wire names.
func (l Locator) Normalize() (Locator, error) {
	using, ok := strategyAliases[strings.ToLower(strings.TrimSpace(l.Using))]
	if !ok {
		return l, fmt.Errorf("unknown locator strategy %q", l.Using)
	}
	if l.Value == "" {
		return l, fmt.Errorf("locator %q has an empty value", l.Using)
	}
	return Locator{Using: using, Value: l.Value}, nil
}

func (l Locator) String() string {
	return l.Using + "=" + l.Value
}

// Element is a server-side element reference.
type Element struct {
	ID string
}

// Session is the automation surface the harness drives. FindElements must report
// "nothing matched" as an empty slice with a nil error: it sits on the polling hot path.
type Session interface {
	Launch(ctx context.Context, app string) error
	Terminate(ctx context.Context, app string) error
	FindElements(ctx context.Context, loc Locator) ([]Element, error)
	Click(ctx context.Context, el Element) error
	Clear(ctx context.Context, el Element) error
	SendKeys(ctx context.Context, el Element, text string) error
	Tap(ctx context.Context, x, y int) error
	Back(ctx context.Context) error
	HideKeyboard(ctx context.Context) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// FindElement returns the first element matching loc, or ErrNoSuchElement.
func FindElement(ctx context.Context, s Session, loc Locator) (Element, error) {
	els, err := s.FindElements(ctx, loc)
	if err != nil {
		return Element{}, err
	}
	if len(els) == 0 {
		return Element{}, fmt.Errorf("%s: %w", loc, ErrNoSuchElement)
	}
	return els[0], nil
}
