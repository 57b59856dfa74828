package device

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/tidwall/gjson"

	"tapbench/internal/logger"
)

const (
	w3cElementKey    = "element-6066-11e4-a52e-4f735466cecf"
	legacyElementKey = "ELEMENT"
)

// Capabilities are the W3C capabilities sent when the session is created
// (platformName, appium:udid, appium:bundleId, ...).
type Capabilities map[string]any

// CommandError is a WebDriver error response other than session loss.
type CommandError struct {
	Status  int
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("webdriver %s (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// Client is a Session backed by a remote WebDriver/Appium server.
type Client struct {
	BaseURL   string
	SessionID string
	HTTP      *http.Client

	log *log.Logger
}

// Dial opens a new automation session on the server at baseURL.
func Dial(ctx context.Context, baseURL string, caps Capabilities) (*Client, error) {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    cleanhttp.DefaultPooledClient(),
		log:     logger.NewStyledLogger("device"),
	}
	c.HTTP.Timeout = 60 * time.Second

	if caps == nil {
		caps = Capabilities{}
	}
	body := map[string]any{
		"capabilities": map[string]any{
			"alwaysMatch": caps,
			"firstMatch":  []any{map[string]any{}},
		},
	}

	res, err := c.do(ctx, http.MethodPost, "/session", body)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	id := res.Get("value.sessionId").String()
	if id == "" {
		id = res.Get("sessionId").String()
	}
	if id == "" {
		return nil, fmt.Errorf("create session: server returned no session id")
	}
	c.SessionID = id
	c.log.Debug("session created", "server", c.BaseURL, "session", id)
	return c, nil
}

func (c *Client) sessionPath(suffix string) string {
	return "/session/" + c.SessionID + suffix
}

// do sends a command and returns the parsed response body. Transport failures and
// "invalid session id" responses are reported as ErrSessionLost.
func (c *Client) do(ctx context.Context, method, path string, body any) (gjson.Result, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return gjson.Result{}, err
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return gjson.Result{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return gjson.Result{}, ctxErr
		}
		return gjson.Result{}, fmt.Errorf("%s %s: %v: %w", method, path, err, ErrSessionLost)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s %s: read body: %v: %w", method, path, err, ErrSessionLost)
	}
	res := gjson.ParseBytes(raw)

	if resp.StatusCode >= 300 {
		code := res.Get("value.error").String()
		msg := res.Get("value.message").String()
		switch code {
		case "invalid session id":
			return res, fmt.Errorf("%s %s: %s: %w", method, path, msg, ErrSessionLost)
		case "no such element":
			return res, fmt.Errorf("%s %s: %s: %w", method, path, msg, ErrNoSuchElement)
		}
		if code == "" {
			code = http.StatusText(resp.StatusCode)
		}
		return res, &CommandError{Status: resp.StatusCode, Code: code, Message: msg}
	}
	return res, nil
}

func (c *Client) execute(ctx context.Context, script string, args map[string]any) error {
	_, err := c.do(ctx, http.MethodPost, c.sessionPath("/execute/sync"), map[string]any{
		"script": script,
		"args":   []any{args},
	})
	return err
}

// Launch activates app (bundle id or package name), starting it if needed.
func (c *Client) Launch(ctx context.Context, app string) error {
	return c.execute(ctx, "mobile: activateApp", map[string]any{"bundleId": app, "appId": app})
}

// Terminate force-stops app.
func (c *Client) Terminate(ctx context.Context, app string) error {
	return c.execute(ctx, "mobile: terminateApp", map[string]any{"bundleId": app, "appId": app})
}

// FindElements queries the UI tree. No match is an empty slice, not an error.
func (c *Client) FindElements(ctx context.Context, loc Locator) ([]Element, error) {
	res, err := c.do(ctx, http.MethodPost, c.sessionPath("/elements"), loc)
	if err != nil {
		if errors.Is(err, ErrNoSuchElement) {
			return nil, nil
		}
		return nil, err
	}
	values := res.Get("value").Array()
	if len(values) == 0 {
		return nil, nil
	}
	els := make([]Element, 0, len(values))
	for _, v := range values {
		id := v.Get(w3cElementKey).String()
		if id == "" {
			id = v.Get(legacyElementKey).String()
		}
		if id != "" {
			els = append(els, Element{ID: id})
		}
	}
	return els, nil
}

// Click taps the element.
func (c *Client) Click(ctx context.Context, el Element) error {
	_, err := c.do(ctx, http.MethodPost, c.sessionPath("/element/"+el.ID+"/click"), map[string]any{})
	return err
}

// Clear empties an editable element.
func (c *Client) Clear(ctx context.Context, el Element) error {
	_, err := c.do(ctx, http.MethodPost, c.sessionPath("/element/"+el.ID+"/clear"), map[string]any{})
	return err
}

// SendKeys types text into the element. "\n" submits on both platforms.
func (c *Client) SendKeys(ctx context.Context, el Element, text string) error {
	chars := make([]string, 0, len(text))
	for _, r := range text {
		chars = append(chars, string(r))
	}
	_, err := c.do(ctx, http.MethodPost, c.sessionPath("/element/"+el.ID+"/value"), map[string]any{
		"text":  text,
		"value": chars,
	})
	return err
}

// Tap performs a single touch at screen coordinates using W3C pointer actions.
func (c *Client) Tap(ctx context.Context, x, y int) error {
	actions := map[string]any{
		"actions": []any{
			map[string]any{
				"type":       "pointer",
				"id":         "finger1",
				"parameters": map[string]any{"pointerType": "touch"},
				"actions": []any{
					map[string]any{"type": "pointerMove", "duration": 0, "x": x, "y": y, "origin": "viewport"},
					map[string]any{"type": "pointerDown", "button": 0},
					map[string]any{"type": "pause", "duration": 100},
					map[string]any{"type": "pointerUp", "button": 0},
				},
			},
		},
	}
	_, err := c.do(ctx, http.MethodPost, c.sessionPath("/actions"), actions)
	return err
}

// Back navigates back (Android back key, iOS navigation pop).
func (c *Client) Back(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, c.sessionPath("/back"), map[string]any{})
	return err
}

// HideKeyboard dismisses the soft keyboard if shown.
func (c *Client) HideKeyboard(ctx context.Context) error {
	return c.execute(ctx, "mobile: hideKeyboard", map[string]any{})
}

// Screenshot returns the current frame as PNG bytes.
func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	res, err := c.do(ctx, http.MethodGet, c.sessionPath("/screenshot"), nil)
	if err != nil {
		return nil, err
	}
	b, err := base64.StdEncoding.DecodeString(res.Get("value").String())
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return b, nil
}

// Close deletes the session. It is safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	if c.SessionID == "" {
		return nil
	}
	_, err := c.do(ctx, http.MethodDelete, c.sessionPath(""), nil)
	c.log.Debug("session closed", "session", c.SessionID, "err", err)
	c.SessionID = ""
	return err
}
