// Package mockdevice is a fake WebDriver server that simulates a small shopping
// app. It lets the harness run end to end without a phone.
//
// Screen: "home" appears after the launch latency, together with "search-field"
// and "search-button". Clicking the button (or tapping near SearchButtonPoint)
// makes "results" appear after the profile latency. Screenshots show a striped
// marker band in the bottom strip while results are visible.
package mockdevice

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"tapbench/internal/logger"
)

const (
	ElementHome         = "home"
	ElementSearchField  = "search-field"
	ElementSearchButton = "search-button"
	ElementResults      = "results"

	w3cElementKey = "element-6066-11e4-a52e-4f735466cecf"
)

// SearchButtonPoint is where the button sits in device pixels.
var SearchButtonPoint = struct{ X, Y int }{540, 1650}

// Profile shapes the simulated app.
type Profile struct {
	Name          string
	LaunchLatency time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
	// SpikeRate is the chance a search takes SpikeLatency instead.
	SpikeRate    float64
	SpikeLatency time.Duration
	// HangRate is the chance results never appear.
	HangRate float64
}

func (p Profile) latency() (time.Duration, bool) {
	if p.HangRate > 0 && rand.Float64() < p.HangRate {
		return 0, false
	}
	if p.SpikeRate > 0 && rand.Float64() < p.SpikeRate {
		return p.SpikeLatency, true
	}
	d := p.MinLatency
	if span := p.MaxLatency - p.MinLatency; span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	return d, true
}

var Profiles = map[string]Profile{
	"fast":  {Name: "fast", LaunchLatency: 300 * time.Millisecond, MinLatency: 50 * time.Millisecond, MaxLatency: 150 * time.Millisecond},
	"slow":  {Name: "slow", LaunchLatency: 1500 * time.Millisecond, MinLatency: time.Second, MaxLatency: 2 * time.Second},
	"spike": {Name: "spike", LaunchLatency: 300 * time.Millisecond, MinLatency: 80 * time.Millisecond, MaxLatency: 120 * time.Millisecond, SpikeRate: 0.05, SpikeLatency: 3 * time.Second},
	"flaky": {Name: "flaky", LaunchLatency: 500 * time.Millisecond, MinLatency: 200 * time.Millisecond, MaxLatency: 600 * time.Millisecond, HangRate: 0.2},
}

// ProfileNames lists the built-in profiles in a stable order.
func ProfileNames() []string { return []string{"fast", "slow", "spike", "flaky"} }

type session struct {
	running    bool
	launchedAt time.Time
	resultsDue time.Time
	searching  bool
	typed      string
}

// Server is an http.Handler speaking enough of the W3C protocol for tapbench.
type Server struct {
	Profile Profile

	mu       sync.Mutex
	sessions map[string]*session
	launches int
	mux      *http.ServeMux
	now      func() time.Time
	log      *log.Logger
}

func NewServer(p Profile) *Server {
	s := &Server{
		Profile:  p,
		sessions: make(map[string]*session),
		mux:      http.NewServeMux(),
		now:      time.Now,
		log:      logger.NewStyledLogger("mock"),
	}
	s.mux.HandleFunc("POST /session", s.createSession)
	s.mux.HandleFunc("DELETE /session/{sid}", s.withSession(s.deleteSession))
	s.mux.HandleFunc("POST /session/{sid}/elements", s.withSession(s.findElements))
	s.mux.HandleFunc("POST /session/{sid}/element/{eid}/click", s.withSession(s.click))
	s.mux.HandleFunc("POST /session/{sid}/element/{eid}/clear", s.withSession(s.clear))
	s.mux.HandleFunc("POST /session/{sid}/element/{eid}/value", s.withSession(s.sendKeys))
	s.mux.HandleFunc("POST /session/{sid}/actions", s.withSession(s.actions))
	s.mux.HandleFunc("POST /session/{sid}/back", s.withSession(s.back))
	s.mux.HandleFunc("POST /session/{sid}/execute/sync", s.withSession(s.execute))
	s.mux.HandleFunc("GET /session/{sid}/screenshot", s.withSession(s.screenshot))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// DropSessions forgets every session, as a crashed automation server would.
func (s *Server) DropSessions() {
	s.mu.Lock()
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
}

// Launches reports how many times a stopped app was started.
func (s *Server) Launches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launches
}

func writeValue(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{"value": v})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"value": map[string]any{"error": code, "message": msg, "stacktrace": ""},
	})
}

type handler func(w http.ResponseWriter, r *http.Request, sess *session, body gjson.Result)

// withSession resolves the session and parses the body. The handler runs
// with s.mu held.
func (s *Server) withSession(h handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body gjson.Result
		if r.Body != nil {
			if data, err := io.ReadAll(r.Body); err == nil {
				body = gjson.ParseBytes(data)
			}
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		sess, ok := s.sessions[r.PathValue("sid")]
		if !ok {
			writeError(w, http.StatusNotFound, "invalid session id", "session "+r.PathValue("sid")+" does not exist")
			return
		}
		h(w, r, sess, body)
	}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = &session{}
	s.mu.Unlock()
	s.log.Debug("session created", "session", id)
	writeValue(w, map[string]any{"sessionId": id, "capabilities": map[string]any{"platformName": "mock"}})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request, _ *session, _ gjson.Result) {
	delete(s.sessions, r.PathValue("sid"))
	writeValue(w, nil)
}

// visible reports whether name is on screen now.
func (s *Server) visible(sess *session, name string) bool {
	now := s.now()
	homeReady := sess.running && !now.Before(sess.launchedAt.Add(s.Profile.LaunchLatency))
	switch name {
	case ElementHome, ElementSearchField, ElementSearchButton:
		return homeReady
	case ElementResults:
		return homeReady && sess.searching && !sess.resultsDue.IsZero() && !now.Before(sess.resultsDue)
	}
	return false
}

// elementName maps a selector to an element. Plain values match by name;
// predicates, class chains and xpath match when they quote the name.
func elementName(value string) string {
	for _, name := range []string{ElementHome, ElementSearchField, ElementSearchButton, ElementResults} {
		if value == name || strings.Contains(value, "'"+name+"'") || strings.Contains(value, `"`+name+`"`) {
			return name
		}
	}
	return ""
}

func (s *Server) findElements(w http.ResponseWriter, _ *http.Request, sess *session, body gjson.Result) {
	name := elementName(body.Get("value").String())
	if name == "" || !s.visible(sess, name) {
		writeValue(w, []any{})
		return
	}
	writeValue(w, []any{map[string]string{w3cElementKey: "el-" + name}})
}

func (s *Server) element(w http.ResponseWriter, r *http.Request, sess *session) (string, bool) {
	name := strings.TrimPrefix(r.PathValue("eid"), "el-")
	if !s.visible(sess, name) {
		writeError(w, http.StatusNotFound, "no such element", "element "+name+" is not on screen")
		return "", false
	}
	return name, true
}

func (s *Server) startSearch(sess *session) {
	if sess.searching {
		return
	}
	sess.searching = true
	d, ok := s.Profile.latency()
	if !ok {
		sess.resultsDue = time.Time{}
		return
	}
	sess.resultsDue = s.now().Add(d)
}

func (s *Server) click(w http.ResponseWriter, r *http.Request, sess *session, _ gjson.Result) {
	name, ok := s.element(w, r, sess)
	if !ok {
		return
	}
	if name == ElementSearchButton {
		s.startSearch(sess)
	}
	writeValue(w, nil)
}

func (s *Server) clear(w http.ResponseWriter, r *http.Request, sess *session, _ gjson.Result) {
	if _, ok := s.element(w, r, sess); !ok {
		return
	}
	sess.typed = ""
	writeValue(w, nil)
}

func (s *Server) sendKeys(w http.ResponseWriter, r *http.Request, sess *session, body gjson.Result) {
	if _, ok := s.element(w, r, sess); !ok {
		return
	}
	sess.typed += body.Get("text").String()
	if strings.HasSuffix(sess.typed, "\n") {
		s.startSearch(sess)
	}
	writeValue(w, nil)
}

// actions handles pointer taps; a tap near the search button presses it.
func (s *Server) actions(w http.ResponseWriter, _ *http.Request, sess *session, body gjson.Result) {
	move := body.Get(`actions.0.actions.#(type=="pointerMove")`)
	x, y := int(move.Get("x").Int()), int(move.Get("y").Int())
	if s.visible(sess, ElementSearchButton) && abs(x-SearchButtonPoint.X) <= 200 && abs(y-SearchButtonPoint.Y) <= 60 {
		s.startSearch(sess)
	}
	writeValue(w, nil)
}

func (s *Server) back(w http.ResponseWriter, _ *http.Request, sess *session, _ gjson.Result) {
	sess.searching = false
	sess.resultsDue = time.Time{}
	writeValue(w, nil)
}

func (s *Server) execute(w http.ResponseWriter, _ *http.Request, sess *session, body gjson.Result) {
	switch script := body.Get("script").String(); script {
	case "mobile: activateApp":
		if !sess.running {
			sess.running = true
			sess.launchedAt = s.now()
			s.launches++
		}
	case "mobile: terminateApp":
		*sess = session{}
	case "mobile: hideKeyboard":
	default:
		writeError(w, http.StatusBadRequest, "unknown command", "unsupported script "+script)
		return
	}
	writeValue(w, nil)
}

func (s *Server) screenshot(w http.ResponseWriter, _ *http.Request, sess *session, _ gjson.Result) {
	png, err := Frame(s.visible(sess, ElementResults))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "unknown error", err.Error())
		return
	}
	writeValue(w, base64.StdEncoding.EncodeToString(png))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Start serves the mock on port in the background.
func Start(port int, p Profile) *http.Server {
	addr := fmt.Sprintf(":%d", port)
	fmt.Printf("📱 Mock device (%s profile) on http://localhost%s\n", p.Name, addr)
	fmt.Printf("   Elements: %s, %s, %s, %s\n", ElementHome, ElementSearchField, ElementSearchButton, ElementResults)

	server := &http.Server{
		Addr:              addr,
		Handler:           NewServer(p),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Server failed: %v\n", err)
		}
	}()
	return server
}
