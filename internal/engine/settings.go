package engine

import (
	"time"

	"github.com/basket/clawtask/internal/checkpoint"
	"github.com/basket/clawtask/internal/config"
)

// Settings are the engine knobs read at the start of every task, so a
// config reload takes effect on the next claim.
type Settings struct {
	Tick             time.Duration
	LeaseTTL         time.Duration
	MaxRetries       int
	DefaultMaxSteps  int
	Retention        time.Duration
	MaxDepth         int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	StepTimeout      time.Duration
	StepsLogLimit    int
	CompletionMarker string
	// ReviewMarker lets a step ask for human review. Empty disables it.
	ReviewMarker string
}

func DefaultSettings() Settings {
	return Settings{
		Tick:             2 * time.Second,
		LeaseTTL:         60 * time.Second,
		MaxRetries:       3,
		DefaultMaxSteps:  10,
		Retention:        30 * 24 * time.Hour,
		MaxDepth:         3,
		BackoffBase:      5 * time.Second,
		BackoffCap:       5 * time.Minute,
		StepTimeout:      10 * time.Minute,
		StepsLogLimit:    checkpoint.DefaultStepsLogLimit,
		CompletionMarker: "FINAL:",
		ReviewMarker:     "HUMAN_REVIEW:",
	}
}

// SettingsFromConfig maps the tasks section of config.yaml.
func SettingsFromConfig(c config.TasksConfig) Settings {
	return Settings{
		Tick:             c.Tick(),
		LeaseTTL:         c.LeaseTTL(),
		MaxRetries:       c.MaxRetries,
		DefaultMaxSteps:  c.DefaultMaxSteps,
		Retention:        c.Retention(),
		MaxDepth:         c.MaxDepth,
		BackoffBase:      c.BackoffBase(),
		BackoffCap:       c.BackoffCap(),
		StepTimeout:      c.StepTimeout(),
		StepsLogLimit:    c.StepsLogLimit,
		CompletionMarker: c.CompletionMarker,
		ReviewMarker:     c.ReviewMarker,
	}.normalized()
}

func (s Settings) normalized() Settings {
	d := DefaultSettings()
	if s.Tick <= 0 {
		s.Tick = d.Tick
	}
	if s.LeaseTTL <= 0 {
		s.LeaseTTL = d.LeaseTTL
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.DefaultMaxSteps <= 0 {
		s.DefaultMaxSteps = d.DefaultMaxSteps
	}
	if s.MaxDepth <= 0 {
		s.MaxDepth = d.MaxDepth
	}
	if s.BackoffBase <= 0 {
		s.BackoffBase = d.BackoffBase
	}
	if s.BackoffCap < s.BackoffBase {
		s.BackoffCap = s.BackoffBase
	}
	if s.StepTimeout <= 0 {
		s.StepTimeout = d.StepTimeout
	}
	if s.StepsLogLimit <= 0 {
		s.StepsLogLimit = d.StepsLogLimit
	}
	if s.CompletionMarker == "" {
		s.CompletionMarker = d.CompletionMarker
	}
	return s
}
