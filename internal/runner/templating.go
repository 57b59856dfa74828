package runner

import (
	"bufio"
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"text/template"

	"github.com/google/uuid"
)

// TemplateEngine renders step text such as search terms and credentials.
type TemplateEngine struct {
	fileCache map[string][]string
	parsed    map[string]*template.Template
	mu        sync.RWMutex
	funcMap   template.FuncMap
}

// TemplateData is passed to every render.
type TemplateData struct {
	Scenario string
	App      string
	Trial    int
	RunID    string
}

// NewTemplateEngine initializes the engine and its functions
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		fileCache: make(map[string][]string),
		parsed:    make(map[string]*template.Template),
	}

	e.funcMap = template.FuncMap{
		"randomInt":    e.randomInt,
		"randomUUID":   e.randomUUID,
		"randomChoice": e.randomChoice,
		"randomLine":   e.randomLine,
		"uuid":         e.randomUUID,
		"env":          e.env,
	}

	return e
}

// Preprocess rewrites the short placeholders ({{trial}}, {{runID}}, ...) to field access.
func (e *TemplateEngine) Preprocess(input string) string {
	r := strings.NewReplacer(
		"{{trial}}", "{{.Trial}}",
		"{{runID}}", "{{.RunID}}",
		"{{app}}", "{{.App}}",
		"{{scenario}}", "{{.Scenario}}",
	)
	return r.Replace(input)
}

// Parse creates a new template with the engine's functions
func (e *TemplateEngine) Parse(name, text string) (*template.Template, error) {
	return template.New(name).Funcs(e.funcMap).Option("missingkey=error").Parse(e.Preprocess(text))
}

// Execute runs the template with data
func (e *TemplateEngine) Execute(t *template.Template, data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Render parses text once, caches it, and executes it. Text without actions is
// returned unchanged.
func (e *TemplateEngine) Render(text string, data TemplateData) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	e.mu.RLock()
	t, ok := e.parsed[text]
	e.mu.RUnlock()
	if !ok {
		var err error
		t, err = e.Parse("text", text)
		if err != nil {
			return "", err
		}
		e.mu.Lock()
		e.parsed[text] = t
		e.mu.Unlock()
	}
	return e.Execute(t, data)
}

// --- Functions ---

func (e *TemplateEngine) randomInt(min, max int) int {
	if max <= min {
		return min
	}
	return rand.Intn(max-min) + min
}

func (e *TemplateEngine) randomUUID() string {
	return uuid.New().String()
}

func (e *TemplateEngine) randomChoice(choices ...string) string {
	if len(choices) == 0 {
		return ""
	}
	return choices[rand.Intn(len(choices))]
}

// env fails the render when the variable is unset so a missing credential
// never turns into an empty login.
func (e *TemplateEngine) env(name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return v, nil
}

func (e *TemplateEngine) randomLine(filename string) (string, error) {
	e.mu.RLock()
	lines, ok := e.fileCache[filename]
	e.mu.RUnlock()

	if !ok {
		var err error
		if lines, err = e.loadLines(filename); err != nil {
			return "", err
		}
	}
	if len(lines) == 0 {
		return "", nil
	}
	return lines[rand.Intn(len(lines))], nil
}

func (e *TemplateEngine) loadLines(filename string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lines, ok := e.fileCache[filename]; ok {
		return lines, nil
	}

	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file '%s': %w", filename, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(content))
	var loaded []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			loaded = append(loaded, line)
		}
	}

	e.fileCache[filename] = loaded
	return loaded, nil
}
