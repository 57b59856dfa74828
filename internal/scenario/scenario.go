// Package scenario loads scenario files and turns them into runner configs.
package scenario

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"tapbench/internal/detect"
	"tapbench/internal/device"
	"tapbench/internal/imaging"
	"tapbench/internal/runner"
)

// ErrInvalid wraps every validation problem in a scenario file.
var ErrInvalid = errors.New("invalid scenario")

const (
	TargetElement = "element"
	TargetImage   = "image"

	DefaultServer = "http://127.0.0.1:4723"
)

// File is the on-disk scenario format (YAML, JSON or TOML).
type File struct {
	Name         string         `mapstructure:"name" yaml:"name"`
	App          string         `mapstructure:"app" yaml:"app,omitempty"`
	Apps         []AppSpec      `mapstructure:"apps" yaml:"apps,omitempty"`
	Server       string         `mapstructure:"server" yaml:"server"`
	Capabilities map[string]any `mapstructure:"capabilities" yaml:"capabilities,omitempty"`

	Trials             int     `mapstructure:"trials" yaml:"trials"`
	TimeoutSeconds     float64 `mapstructure:"timeoutSeconds" yaml:"timeoutSeconds"`
	StepTimeoutSeconds float64 `mapstructure:"stepTimeoutSeconds" yaml:"stepTimeoutSeconds,omitempty"`
	SettleSeconds      float64 `mapstructure:"settleSeconds" yaml:"settleSeconds,omitempty"`
	Reset              bool    `mapstructure:"reset" yaml:"reset"`
	Output             string  `mapstructure:"output" yaml:"output,omitempty"`
	// Comparison names the cross-app summary table; multi-app files get one
	// next to the per-app outputs by default.
	Comparison string `mapstructure:"comparison" yaml:"comparison,omitempty"`
	// CleanBackground terminates every listed app before each app's run so
	// no app starts with a sibling still in memory.
	CleanBackground bool `mapstructure:"cleanBackground" yaml:"cleanBackground,omitempty"`

	Recovery RecoverySpec `mapstructure:"recovery" yaml:"recovery,omitempty"`
	Setup    []StepSpec   `mapstructure:"setup" yaml:"setup,omitempty"`
	Prepare  []StepSpec   `mapstructure:"prepare" yaml:"prepare,omitempty"`
	Trigger  TriggerSpec  `mapstructure:"trigger" yaml:"trigger"`
	Target   TargetSpec   `mapstructure:"target" yaml:"target"`
	Cleanup  []StepSpec   `mapstructure:"cleanup" yaml:"cleanup,omitempty"`
	Teardown []StepSpec   `mapstructure:"teardown" yaml:"teardown,omitempty"`

	dir string
}

// AppSpec is one entry of apps. A plain string is shorthand for {id: ...}.
// Target and Capabilities, when set, replace the file-level target and extend
// the file-level capabilities for this app only.
type AppSpec struct {
	ID           string         `mapstructure:"id" yaml:"id"`
	Target       *TargetSpec    `mapstructure:"target" yaml:"target,omitempty"`
	Capabilities map[string]any `mapstructure:"capabilities" yaml:"capabilities,omitempty"`
}

func (a AppSpec) MarshalYAML() (any, error) {
	if a.Target == nil && len(a.Capabilities) == 0 {
		return a.ID, nil
	}
	type plain AppSpec
	return plain(a), nil
}

func (a *AppSpec) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		a.ID = n.Value
		return nil
	}
	type plain AppSpec
	var p plain
	if err := n.Decode(&p); err != nil {
		return err
	}
	*a = AppSpec(p)
	return nil
}

// appSpecHook lets viper decode "apps: [a, b]" as well as full entries.
func appSpecHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() == reflect.String && to == reflect.TypeOf(AppSpec{}) {
		return AppSpec{ID: data.(string)}, nil
	}
	return data, nil
}

// cleanBackgroundPause lets the OS reclaim the terminated apps.
const cleanBackgroundPause = time.Second

type StepSpec struct {
	Name           string          `mapstructure:"name" yaml:"name,omitempty"`
	Action         string          `mapstructure:"action" yaml:"action"`
	Target         *device.Locator `mapstructure:"target" yaml:"target,omitempty"`
	Fallback       *runner.Point   `mapstructure:"fallback" yaml:"fallback,omitempty"`
	Point          *runner.Point   `mapstructure:"point" yaml:"point,omitempty"`
	Text           string          `mapstructure:"text" yaml:"text,omitempty"`
	App            string          `mapstructure:"app" yaml:"app,omitempty"`
	PauseSeconds   float64         `mapstructure:"pauseSeconds" yaml:"pauseSeconds,omitempty"`
	TimeoutSeconds float64         `mapstructure:"timeoutSeconds" yaml:"timeoutSeconds,omitempty"`
	Optional       bool            `mapstructure:"optional" yaml:"optional,omitempty"`
}

type TriggerSpec struct {
	StepSpec `mapstructure:",squash" yaml:",inline"`
	Edge     string `mapstructure:"edge" yaml:"edge,omitempty"`
}

// TargetSpec selects the completion detector.
type TargetSpec struct {
	Kind           string          `mapstructure:"kind" yaml:"kind"`
	Locator        *device.Locator `mapstructure:"locator" yaml:"locator,omitempty"`
	Image          string          `mapstructure:"image" yaml:"image,omitempty"`
	ROI            *imaging.Region `mapstructure:"roi" yaml:"roi,omitempty"`
	MatchThreshold float64         `mapstructure:"matchThreshold" yaml:"matchThreshold,omitempty"`
	PollIntervalMs int             `mapstructure:"pollIntervalMs" yaml:"pollIntervalMs,omitempty"`
}

type RecoverySpec struct {
	KillPauseSeconds float64 `mapstructure:"killPauseSeconds" yaml:"killPauseSeconds,omitempty"`
	SettleSeconds    float64 `mapstructure:"settleSeconds" yaml:"settleSeconds,omitempty"`
}

// Overrides come from command-line flags and win over the file.
type Overrides struct {
	Trials         int
	TimeoutSeconds float64
	Output         string
	Server         string
}

// Plan is everything needed to run one app through the scenario.
type Plan struct {
	Config       runner.Config
	Server       string
	Capabilities device.Capabilities
	Output       string
	Target       TargetSpec
}

// Load reads a scenario file through a dedicated viper instance.
func Load(path string) (*File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	var f File
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.DecodeHookFuncType(appSpecHook),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&f, hook); err != nil {
		return nil, fmt.Errorf("decode scenario %s: %w", path, err)
	}
	f.dir = filepath.Dir(path)

	// viper folds keys to lower case; capability names are case-sensitive.
	raw, err := rawCapabilities(path)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		if raw.Capabilities != nil {
			f.Capabilities = raw.Capabilities
		}
		if len(raw.Apps) == len(f.Apps) {
			for i := range f.Apps {
				if raw.Apps[i].Capabilities != nil {
					f.Apps[i].Capabilities = raw.Apps[i].Capabilities
				}
			}
		}
	}
	if f.Name == "" {
		f.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &f, nil
}

type capabilityDoc struct {
	Capabilities map[string]any `yaml:"capabilities"`
	Apps         []AppSpec      `yaml:"apps"`
}

// rawCapabilities re-reads the file-level and per-app capabilities with their
// original key case. TOML files are left to viper.
func rawCapabilities(path string) (*capabilityDoc, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
	default:
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc capabilityDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode capabilities in %s: %w", path, err)
	}
	return &doc, nil
}

// LoadEnv loads credentials from a .env file. An empty path tries ./.env and
// ignores it when absent.
func LoadEnv(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Resolve returns path relative to the scenario file's directory.
func (f *File) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || f.dir == "" {
		return path
	}
	return filepath.Join(f.dir, path)
}

// AppList returns the ids of the apps to run, in file order.
func (f *File) AppList() []string {
	var ids []string
	for _, a := range f.appSpecs() {
		ids = append(ids, a.ID)
	}
	return ids
}

func (f *File) appSpecs() []AppSpec {
	if len(f.Apps) > 0 {
		return f.Apps
	}
	if f.App != "" {
		return []AppSpec{{ID: f.App}}
	}
	return nil
}

func (f *File) outputTemplate(o Overrides) string {
	output := f.Output
	if o.Output != "" {
		output = o.Output
	}
	if output == "" {
		output = "{{scenario}}.csv"
		if len(f.appSpecs()) > 1 {
			output = "{{scenario}}_{{app}}.csv"
		}
	}
	return output
}

// ComparisonPath is where the cross-app summary goes, or "" when the file
// measures a single app and names no comparison table.
func (f *File) ComparisonPath(o Overrides) (string, error) {
	name := f.Comparison
	if name == "" {
		if len(f.appSpecs()) < 2 {
			return "", nil
		}
		name = filepath.Join(filepath.Dir(f.outputTemplate(o)), "{{scenario}}_comparison.csv")
	}
	path, err := runner.NewTemplateEngine().Render(name, runner.TemplateData{Scenario: f.Name})
	if err != nil {
		return "", invalid("%s: comparison name: %v", f.Name, err)
	}
	return path, nil
}

// Build turns the file into one plan per app.
func Build(f *File, o Overrides) ([]Plan, error) {
	apps := f.appSpecs()
	if len(apps) == 0 {
		return nil, invalid("%s: no app configured", f.Name)
	}
	for i, a := range apps {
		if a.ID == "" {
			return nil, invalid("%s: apps entry %d has no id", f.Name, i+1)
		}
	}

	trials := f.Trials
	if o.Trials > 0 {
		trials = o.Trials
	}
	if trials <= 0 {
		return nil, invalid("%s: trials must be positive", f.Name)
	}
	timeout := seconds(f.TimeoutSeconds)
	if o.TimeoutSeconds > 0 {
		timeout = seconds(o.TimeoutSeconds)
	}
	if timeout <= 0 {
		timeout = detect.DefaultTimeout
	}
	server := f.Server
	if o.Server != "" {
		server = o.Server
	}
	if server == "" {
		server = DefaultServer
	}
	output := f.outputTemplate(o)

	steps := func(phase string, specs []StepSpec) ([]runner.Step, error) {
		out := make([]runner.Step, 0, len(specs))
		for i, s := range specs {
			st, err := s.step()
			if err != nil {
				return nil, invalid("%s: %s step %d: %v", f.Name, phase, i+1, err)
			}
			out = append(out, st)
		}
		return out, nil
	}

	setup, err := steps("setup", f.Setup)
	if err != nil {
		return nil, err
	}
	if f.CleanBackground {
		clean := make([]runner.Step, 0, len(apps)+len(setup))
		for _, a := range apps {
			clean = append(clean, runner.Step{
				Name:     "clean " + a.ID,
				Action:   runner.ActionTerminate,
				App:      a.ID,
				Optional: true,
			})
		}
		clean[len(clean)-1].Pause = cleanBackgroundPause
		setup = append(clean, setup...)
	}
	prepare, err := steps("prepare", f.Prepare)
	if err != nil {
		return nil, err
	}
	cleanup, err := steps("cleanup", f.Cleanup)
	if err != nil {
		return nil, err
	}
	teardown, err := steps("teardown", f.Teardown)
	if err != nil {
		return nil, err
	}
	trigger, err := f.Trigger.StepSpec.step()
	if err != nil {
		return nil, invalid("%s: trigger: %v", f.Name, err)
	}

	tmpl := runner.NewTemplateEngine()
	plans := make([]Plan, 0, len(apps))
	seen := map[string]bool{}
	for _, spec := range apps {
		app := spec.ID
		target := f.Target
		if spec.Target != nil {
			target = *spec.Target
		}
		det, err := f.detector(target, timeout)
		if err != nil {
			return nil, err
		}
		cfg := runner.Config{
			Name:     f.Name,
			App:      app,
			Trials:   trials,
			Setup:    cloneSteps(setup),
			Prepare:  cloneSteps(prepare),
			Trigger:  runner.Trigger{Step: cloneStep(trigger), Edge: runner.Edge(strings.ToLower(f.Trigger.Edge))},
			Detector: det,
			Cleanup:  cloneSteps(cleanup),
			Teardown: cloneSteps(teardown),
			Recovery: runner.Recovery{
				App:       app,
				KillPause: seconds(f.Recovery.KillPauseSeconds),
				Settle:    seconds(f.Recovery.SettleSeconds),
			},
			ResetEachTrial: f.Reset,
			SettleBetween:  seconds(f.SettleSeconds),
			StepTimeout:    seconds(f.StepTimeoutSeconds),
			RunID:          uuid.New().String(),
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}

		name, err := tmpl.Render(output, runner.TemplateData{Scenario: f.Name, App: app, RunID: cfg.RunID})
		if err != nil {
			return nil, invalid("%s: output name: %v", f.Name, err)
		}
		if seen[name] {
			return nil, invalid("%s: output %q is shared by several apps; use {{app}} in the name", f.Name, name)
		}
		seen[name] = true

		caps := device.Capabilities{}
		for k, v := range f.Capabilities {
			caps[k] = v
		}
		for k, v := range spec.Capabilities {
			caps[k] = v
		}
		plans = append(plans, Plan{
			Config:       cfg,
			Server:       server,
			Capabilities: caps,
			Output:       name,
			Target:       target,
		})
	}
	return plans, nil
}

// detector builds a fresh detector; visual detectors cache per-size references
// and are not shared between plans.
func (f *File) detector(t TargetSpec, timeout time.Duration) (detect.Detector, error) {
	switch strings.ToLower(t.Kind) {
	case TargetElement, "selector", "":
		if t.Locator == nil {
			return nil, invalid("%s: element target needs a locator", f.Name)
		}
		d, err := detect.NewSignal(*t.Locator, timeout)
		if err != nil {
			return nil, invalid("%s: target: %v", f.Name, err)
		}
		return d, nil

	case TargetImage:
		if t.Image == "" {
			return nil, invalid("%s: image target needs a reference image", f.Name)
		}
		ref, err := imaging.LoadReference(f.Resolve(t.Image))
		if err != nil {
			return nil, err
		}
		region := imaging.FullFrame
		if t.ROI != nil {
			region = *t.ROI
		}
		d, err := detect.NewVisual(ref, region, detect.VisualOptions{
			Threshold: t.MatchThreshold,
			Timeout:   timeout,
			Interval:  time.Duration(t.PollIntervalMs) * time.Millisecond,
		})
		if err != nil {
			return nil, invalid("%s: target: %v", f.Name, err)
		}
		return d, nil
	}
	return nil, invalid("%s: unknown target kind %q", f.Name, t.Kind)
}

func (s StepSpec) step() (runner.Step, error) {
	if s.Action == "" {
		return runner.Step{}, errors.New("missing action")
	}
	st := runner.Step{
		Name:     s.Name,
		Action:   runner.Action(s.Action),
		Fallback: s.Fallback,
		Text:     s.Text,
		App:      s.App,
		Pause:    seconds(s.PauseSeconds),
		Timeout:  seconds(s.TimeoutSeconds),
		Optional: s.Optional,
	}
	if s.Target != nil {
		loc := *s.Target
		st.Target = &loc
	}
	if s.Point != nil {
		st.Point = *s.Point
	}
	if st.Action == runner.ActionTap && s.Point == nil {
		return st, errors.New("tap needs a point")
	}
	return st, nil
}

func cloneStep(s runner.Step) runner.Step {
	if s.Target != nil {
		loc := *s.Target
		s.Target = &loc
	}
	if s.Fallback != nil {
		p := *s.Fallback
		s.Fallback = &p
	}
	return s
}

func cloneSteps(steps []runner.Step) []runner.Step {
	out := make([]runner.Step, len(steps))
	for i, s := range steps {
		out[i] = cloneStep(s)
	}
	return out
}
