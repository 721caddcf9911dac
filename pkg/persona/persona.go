package persona

import (
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Mode selects the model and system prompt used for a conversation.
type Mode string

const (
	Chat   Mode = "chat"
	Coding Mode = "coding"
	Notes  Mode = "notes"
	Search Mode = "search"
	Vision Mode = "vision"

	// DefaultMode answers requests with an empty or unknown mode.
	DefaultMode = Notes
)

// modeAliases maps names used by older web clients onto the current modes.
var modeAliases = map[string]Mode{
	"eye": Vision,
}

var allModes = []Mode{Chat, Coding, Notes, Search, Vision}

// Persona is the model and system prompt for one mode.
type Persona struct {
	Mode         Mode   `json:"mode" yaml:"-"`
	Model        string `json:"model" yaml:"model"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
}

var defaultPersonas = map[Mode]Persona{
	Chat: {
		Model:        "meta-llama/llama-3.3-70b-instruct:free",
		SystemPrompt: "You are Studify, a friendly study companion. Keep the conversation focused on learning and ask a clarifying question when a request is ambiguous.",
	},
	Coding: {
		Model:        "qwen/qwen-2.5-coder-32b-instruct:free",
		SystemPrompt: "You are a patient programming tutor. Explain code step by step, point out mistakes and show corrected examples in fenced code blocks.",
	},
	Notes: {
		Model:        "arcee-ai/trinity-large-preview:free",
		SystemPrompt: "You are an expert note-taker. Structure the material, highlight the key points and use Markdown.",
	},
	Search: {
		Model:        "qwen/qwen3-vl-235b-a22b-thinking",
		SystemPrompt: "You are a researcher. Give detailed, in-depth answers backed by facts.",
	},
	Vision: {
		Model:        "qwen/qwen3-vl-235b-a22b-thinking",
		SystemPrompt: "You are the Studify Eye and you can see images. Answer the request by looking at the photo or document: solve the problems in it, explain diagrams or translate the text.",
	},
}

// Table is an immutable mode to persona lookup built once at startup.
type Table struct {
	personas    map[Mode]Persona
	defaultMode Mode
}

// Default returns the built-in persona table.
func Default() *Table {
	t, err := NewTable(defaultPersonas, DefaultMode)
	if err != nil {
		panic(err) // built-in table is always complete
	}
	return t
}

// NewTable builds a table that must define every mode.
func NewTable(personas map[Mode]Persona, defaultMode Mode) (*Table, error) {
	t := &Table{
		personas:    make(map[Mode]Persona, len(allModes)),
		defaultMode: defaultMode,
	}
	for _, mode := range allModes {
		p, ok := personas[mode]
		if !ok {
			return nil, errors.Errorf("no persona defined for mode %q", mode)
		}
		if p.Model == "" {
			return nil, errors.Errorf("persona %q has no model", mode)
		}
		p.Mode = mode
		t.personas[mode] = p
	}
	if _, ok := t.personas[defaultMode]; !ok {
		return nil, errors.Errorf("unknown default mode %q", defaultMode)
	}
	return t, nil
}

type fileFormat struct {
	DefaultMode string             `yaml:"default_mode"`
	Personas    map[string]Persona `yaml:"personas"`
}

// LoadFile reads persona overrides from a YAML file. Modes missing from the
// file keep their built-in model and prompt; empty fields are not applied.
//
//	default_mode: notes
//	personas:
//	  coding:
//	    model: qwen/qwen-2.5-coder-32b-instruct
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not read persona file")
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "could not parse persona file %s", path)
	}

	personas := make(map[Mode]Persona, len(defaultPersonas))
	for mode, p := range defaultPersonas {
		personas[mode] = p
	}
	for name, override := range f.Personas {
		mode, ok := ParseMode(name)
		if !ok {
			return nil, errors.Errorf("persona file %s: unknown mode %q", path, name)
		}
		p := personas[mode]
		if override.Model != "" {
			p.Model = override.Model
		}
		if override.SystemPrompt != "" {
			p.SystemPrompt = override.SystemPrompt
		}
		personas[mode] = p
	}

	defaultMode := DefaultMode
	if f.DefaultMode != "" {
		m, ok := ParseMode(f.DefaultMode)
		if !ok {
			return nil, errors.Errorf("persona file %s: unknown default mode %q", path, f.DefaultMode)
		}
		defaultMode = m
	}

	log.WithField("file", path).Infof("loaded %d persona overrides", len(f.Personas))
	return NewTable(personas, defaultMode)
}

// ParseMode normalizes a caller supplied mode name, accepting legacy aliases.
func ParseMode(name string) (Mode, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if alias, ok := modeAliases[name]; ok {
		return alias, true
	}
	for _, m := range allModes {
		if string(m) == name {
			return m, true
		}
	}
	return "", false
}

// Resolve picks the persona for a request. An attached image always selects
// the vision persona; unknown modes get the default persona.
func (t *Table) Resolve(mode string, hasImage bool) Persona {
	if hasImage {
		return t.personas[Vision]
	}
	if m, ok := ParseMode(mode); ok {
		return t.personas[m]
	}
	return t.personas[t.defaultMode]
}

func (t *Table) Get(mode Mode) (Persona, bool) {
	p, ok := t.personas[mode]
	return p, ok
}

func (t *Table) DefaultMode() Mode {
	return t.defaultMode
}

// List returns every persona sorted by mode.
func (t *Table) List() []Persona {
	out := make([]Persona, 0, len(t.personas))
	for _, p := range t.personas {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mode < out[j].Mode })
	return out
}
