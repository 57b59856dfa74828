package scenario

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tapbench/internal/device"
	"tapbench/internal/imaging"
	"tapbench/internal/runner"
)

// Sample is the scenario written by `tapbench init`. It targets the mock device.
func Sample() *File {
	return &File{
		Name:   "search",
		App:    "com.example.shop",
		Server: "http://127.0.0.1:4723",
		Capabilities: map[string]any{
			"platformName":          "iOS",
			"appium:automationName": "XCUITest",
		},
		Trials:         10,
		TimeoutSeconds: 20,
		SettleSeconds:  0.5,
		Output:         "{{scenario}}_{{app}}.csv",
		Recovery:       RecoverySpec{KillPauseSeconds: 1, SettleSeconds: 3},
		Setup: []StepSpec{
			{Action: string(runner.ActionLaunch)},
			{Action: string(runner.ActionWaitFor), Target: &device.Locator{Using: "accessibility id", Value: "home"}, TimeoutSeconds: 20},
		},
		Prepare: []StepSpec{
			{Action: string(runner.ActionClick), Target: &device.Locator{Using: "accessibility id", Value: "search-field"}},
			{Action: string(runner.ActionSendKeys), Target: &device.Locator{Using: "accessibility id", Value: "search-field"}, Text: `{{randomChoice "shoes" "lamp" "tent"}}`},
			{Action: string(runner.ActionHideKeyboard), Optional: true},
		},
		Trigger: TriggerSpec{
			StepSpec: StepSpec{
				Action:   string(runner.ActionClick),
				Target:   &device.Locator{Using: "accessibility id", Value: "search-button"},
				Fallback: &runner.Point{X: 540, Y: 1650},
			},
			Edge: string(runner.EdgeAfter),
		},
		Target: TargetSpec{
			Kind:    TargetElement,
			Locator: &device.Locator{Using: "accessibility id", Value: "results"},
		},
		Cleanup: []StepSpec{
			{Action: string(runner.ActionBack), PauseSeconds: 0.5},
		},
	}
}

// SampleVisual is the same scenario using a screenshot template as completion signal.
func SampleVisual(reference string) *File {
	f := Sample()
	f.Name = "search-visual"
	f.Target = TargetSpec{
		Kind:           TargetImage,
		Image:          reference,
		ROI:            &imaging.Region{X: 0, Y: 0.88, W: 1, H: 0.10},
		MatchThreshold: 0.85,
		PollIntervalMs: 10,
	}
	return f
}

// WriteSample renders f as YAML. It refuses to overwrite an existing file.
func WriteSample(path string, f *File) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	b, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
