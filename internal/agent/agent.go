// Package agent defines the voice agents a caller can talk to.
//
// An agent is a persona for the remote voice service: a system prompt, a
// prebuilt voice and the line it opens every call with, plus the display
// fields the UI shows in its picker. Two agents are built in ([Builtins]); a
// config file may override them or add more, and the [Catalog] merges both.
package agent

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/MrWong99/voxline/pkg/provider/s2s"
)

// Config describes one voice agent. Values are immutable while a call runs;
// the call takes a copy when it starts.
type Config struct {
	// ID is the stable identifier used in URLs and config (e.g. "service").
	ID string `yaml:"id" json:"id"`

	// Title is the display name (e.g. "Customer Service Agent").
	Title string `yaml:"title" json:"title"`

	// Pill is the short label shown above the title.
	Pill string `yaml:"pill" json:"pill"`

	// Description is a one-paragraph summary for the picker.
	Description string `yaml:"description" json:"description"`

	// Voice is the provider's prebuilt voice name (e.g. "Kore").
	Voice string `yaml:"voice" json:"voice"`

	// Instructions is the system prompt sent when the session opens.
	Instructions string `yaml:"instructions" json:"-"`

	// OpeningLine is what the agent says first on every call.
	OpeningLine string `yaml:"opening_line" json:"opening_line"`

	// Features lists what the agent can help with.
	Features []string `yaml:"features" json:"features"`
}

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Validate returns a joined error describing every problem with c, or nil.
func (c *Config) Validate() error {
	var errs []error
	if !idPattern.MatchString(c.ID) {
		errs = append(errs, fmt.Errorf("agent: id %q must be lowercase letters, digits, '-' or '_'", c.ID))
	}
	if c.Title == "" {
		errs = append(errs, fmt.Errorf("agent %q: title must not be empty", c.ID))
	}
	if c.Voice == "" {
		errs = append(errs, fmt.Errorf("agent %q: voice must not be empty", c.ID))
	}
	if c.Instructions == "" {
		errs = append(errs, fmt.Errorf("agent %q: instructions must not be empty", c.ID))
	}
	return errors.Join(errs...)
}

// SessionConfig returns the remote session configuration for this agent:
// audio responses with transcription in both directions.
func (c *Config) SessionConfig() s2s.SessionConfig {
	return s2s.SessionConfig{
		Voice:        s2s.VoiceProfile{ID: c.Voice, Name: c.Voice},
		Instructions: c.Instructions,
		Modalities:   []string{"AUDIO"},
		Transcription: s2s.TranscriptionConfig{
			Input:  true,
			Output: true,
		},
	}
}

// GreetingInstruction is the text sent right after the session opens so the
// agent speaks first.
func (c *Config) GreetingInstruction() string {
	if c.OpeningLine == "" {
		return "The caller has just connected. Greet them now."
	}
	return fmt.Sprintf("The caller has just connected. Greet them now with your opening line: %q", c.OpeningLine)
}

// merge overlays the non-zero fields of o onto c.
func (c Config) merge(o Config) Config {
	if o.Title != "" {
		c.Title = o.Title
	}
	if o.Pill != "" {
		c.Pill = o.Pill
	}
	if o.Description != "" {
		c.Description = o.Description
	}
	if o.Voice != "" {
		c.Voice = o.Voice
	}
	if o.Instructions != "" {
		c.Instructions = o.Instructions
	}
	if o.OpeningLine != "" {
		c.OpeningLine = o.OpeningLine
	}
	if len(o.Features) > 0 {
		c.Features = append([]string(nil), o.Features...)
	}
	return c
}
