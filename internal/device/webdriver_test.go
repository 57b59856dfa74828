package device

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	Method string
	Path   string
	Body   map[string]any
}

type wdServer struct {
	mu      sync.Mutex
	reqs    []recorded
	handler func(w http.ResponseWriter, r recorded)
}

func (s *wdServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := recorded{Method: r.Method, Path: r.URL.Path}
	if b, _ := io.ReadAll(r.Body); len(b) > 0 {
		_ = json.Unmarshal(b, &rec.Body)
	}
	s.mu.Lock()
	s.reqs = append(s.reqs, rec)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if rec.Method == http.MethodPost && rec.Path == "/session" {
		_, _ = io.WriteString(w, `{"value":{"sessionId":"s-1","capabilities":{}}}`)
		return
	}
	if s.handler != nil {
		s.handler(w, rec)
		return
	}
	_, _ = io.WriteString(w, `{"value":null}`)
}

func (s *wdServer) last() recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[len(s.reqs)-1]
}

func dial(t *testing.T, h func(w http.ResponseWriter, r recorded)) (*Client, *wdServer) {
	t.Helper()
	srv := &wdServer{handler: h}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	c, err := Dial(context.Background(), ts.URL+"/", Capabilities{"platformName": "iOS"})
	require.NoError(t, err)
	return c, srv
}

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"value": map[string]any{"error": code, "message": msg},
	})
}

func TestDial_SendsCapabilities(t *testing.T) {
	c, srv := dial(t, nil)

	assert.Equal(t, "s-1", c.SessionID)
	first := srv.reqs[0]
	caps := first.Body["capabilities"].(map[string]any)
	assert.Equal(t, "iOS", caps["alwaysMatch"].(map[string]any)["platformName"])
}

func TestFindElements(t *testing.T) {
	c, srv := dial(t, func(w http.ResponseWriter, r recorded) {
		_, _ = io.WriteString(w, `{"value":[
			{"element-6066-11e4-a52e-4f735466cecf":"a"},
			{"ELEMENT":"b"}
		]}`)
	})

	els, err := c.FindElements(context.Background(), Locator{Using: ByAccessibilityID, Value: "Search"})
	require.NoError(t, err)
	assert.Equal(t, []Element{{ID: "a"}, {ID: "b"}}, els)

	req := srv.last()
	assert.Equal(t, "/session/s-1/elements", req.Path)
	assert.Equal(t, "accessibility id", req.Body["using"])
	assert.Equal(t, "Search", req.Body["value"])
}

func TestFindElements_NoMatchIsEmpty(t *testing.T) {
	c, _ := dial(t, func(w http.ResponseWriter, r recorded) {
		writeErr(w, http.StatusNotFound, "no such element", "gone")
	})

	els, err := c.FindElements(context.Background(), Locator{Using: ByID, Value: "x"})
	assert.NoError(t, err)
	assert.Empty(t, els)

	_, err = FindElement(context.Background(), c, Locator{Using: ByID, Value: "x"})
	assert.ErrorIs(t, err, ErrNoSuchElement)
}

func TestInvalidSessionIsSessionLost(t *testing.T) {
	c, _ := dial(t, func(w http.ResponseWriter, r recorded) {
		writeErr(w, http.StatusNotFound, "invalid session id", "session deleted")
	})

	err := c.Click(context.Background(), Element{ID: "a"})
	assert.ErrorIs(t, err, ErrSessionLost)
}

func TestCommandError(t *testing.T) {
	c, _ := dial(t, func(w http.ResponseWriter, r recorded) {
		writeErr(w, http.StatusBadRequest, "element not interactable", "hidden")
	})

	err := c.Click(context.Background(), Element{ID: "a"})
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "element not interactable", cmdErr.Code)
	assert.Equal(t, http.StatusBadRequest, cmdErr.Status)
	assert.NotErrorIs(t, err, ErrSessionLost)
}

func TestTransportFailureIsSessionLost(t *testing.T) {
	c, _ := dial(t, nil)
	c.BaseURL = "http://127.0.0.1:1"

	_, err := c.Screenshot(context.Background())
	assert.ErrorIs(t, err, ErrSessionLost)
}

func TestScreenshotDecodesBase64(t *testing.T) {
	payload := []byte("\x89PNG fake")
	c, _ := dial(t, func(w http.ResponseWriter, r recorded) {
		_ = json.NewEncoder(w).Encode(map[string]any{"value": base64.StdEncoding.EncodeToString(payload)})
	})

	got, err := c.Screenshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestMobileCommands(t *testing.T) {
	c, srv := dial(t, nil)
	ctx := context.Background()

	require.NoError(t, c.Launch(ctx, "com.example.shop"))
	req := srv.last()
	assert.Equal(t, "/session/s-1/execute/sync", req.Path)
	assert.Equal(t, "mobile: activateApp", req.Body["script"])

	require.NoError(t, c.Terminate(ctx, "com.example.shop"))
	assert.Equal(t, "mobile: terminateApp", srv.last().Body["script"])

	require.NoError(t, c.SendKeys(ctx, Element{ID: "f"}, "héllo\n"))
	req = srv.last()
	assert.Equal(t, "/session/s-1/element/f/value", req.Path)
	assert.Equal(t, "héllo\n", req.Body["text"])
	assert.Len(t, req.Body["value"], 6)

	require.NoError(t, c.Tap(ctx, 10, 20))
	assert.True(t, strings.HasSuffix(srv.last().Path, "/actions"))
}

func TestClose_Idempotent(t *testing.T) {
	c, srv := dial(t, nil)

	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, http.MethodDelete, srv.last().Method)
	assert.Equal(t, "/session/s-1", srv.last().Path)

	n := len(srv.reqs)
	require.NoError(t, c.Close(context.Background()))
	assert.Len(t, srv.reqs, n)
}

func TestLocator_Normalize(t *testing.T) {
	l, err := Locator{Using: " Predicate ", Value: "label == 'Done'"}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, ByIOSPredicate, l.Using)
	assert.Equal(t, "-ios predicate string=label == 'Done'", l.String())

	_, err = Locator{Using: "id"}.Normalize()
	assert.Error(t, err)
	_, err = Locator{Using: "css selector", Value: "a"}.Normalize()
	assert.Error(t, err)
}
