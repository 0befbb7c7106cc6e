package dispatch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/projfs/internal/projfs"
	"gopkg.in/yaml.v3"
)

// Rule configures the outcome of events for a ScriptedHandler.
type Rule struct {
	// Kind is the event kind the rule applies to. Empty matches every kind.
	Kind projfs.Kind `yaml:"kind,omitempty"`

	// Path is a path.Match pattern for the event path. Empty matches every
	// path.
	Path string `yaml:"path,omitempty"`

	// Error is returned for matching events. Zero means success.
	Error projfs.Error `yaml:"error,omitempty"`

	// Delay holds the event for the given duration before returning.
	Delay time.Duration `yaml:"delay,omitempty"`

	// WhenExists makes the rule apply only while the named file exists.
	WhenExists string `yaml:"when_exists,omitempty"`
}

func (r *Rule) validate() error {
	if r.Kind != "" && !r.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", r.Kind)
	}
	if r.Path != "" {
		if _, err := path.Match(r.Path, ""); err != nil {
			return fmt.Errorf("invalid path pattern %q: %w", r.Path, err)
		}
	}
	if r.Error > 0 {
		return fmt.Errorf("error code must be negative, got %d", r.Error)
	}
	if r.Delay < 0 {
		return fmt.Errorf("delay must not be negative")
	}
	return nil
}

func (r *Rule) matches(ev *projfs.Event) bool {
	if r.Kind != "" && r.Kind != ev.Kind {
		return false
	}
	if r.Path != "" {
		if ok, _ := path.Match(r.Path, ev.Path); !ok {
			return false
		}
	}
	if r.WhenExists != "" {
		if _, err := os.Stat(r.WhenExists); err != nil {
			return false
		}
	}
	return true
}

// RuleSet is the file format for ScriptedHandler rules.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules parses a YAML RuleSet from r.
func LoadRules(r io.Reader) ([]Rule, error) {
	var rs RuleSet
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&rs); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}
	for i := range rs.Rules {
		if err := rs.Rules[i].validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return rs.Rules, nil
}

// LoadRulesFile reads rules from the YAML file at filename.
func LoadRulesFile(filename string) ([]Rule, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadRules(f)
}

// ScriptedHandler is a Handler whose outcomes are driven by a list of
// rules. The first matching rule decides the outcome of an event; events
// matching no rule succeed.
type ScriptedHandler struct {
	log log.Logger

	mut   sync.RWMutex
	rules []Rule
}

var _ Handler = (*ScriptedHandler)(nil)

// NewScriptedHandler creates a ScriptedHandler with the given rules.
func NewScriptedHandler(l log.Logger, rules []Rule) (*ScriptedHandler, error) {
	if l == nil {
		l = log.NewNopLogger()
	}
	h := &ScriptedHandler{log: l}
	if err := h.SetRules(rules); err != nil {
		return nil, err
	}
	return h, nil
}

// SetRules replaces the rules of h. Events already in flight keep the rule
// they matched.
func (h *ScriptedHandler) SetRules(rules []Rule) error {
	for i := range rules {
		if err := rules[i].validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}

	copied := make([]Rule, len(rules))
	copy(copied, rules)

	h.mut.Lock()
	defer h.mut.Unlock()
	h.rules = copied
	return nil
}

func (h *ScriptedHandler) match(ev *projfs.Event) (Rule, bool) {
	h.mut.RLock()
	defer h.mut.RUnlock()
	for _, r := range h.rules {
		if r.matches(ev) {
			return r, true
		}
	}
	return Rule{}, false
}

func (h *ScriptedHandler) handle(ctx context.Context, ev *projfs.Event) error {
	level.Debug(h.log).Log("msg", "scripted handler received event", "kind", ev.Kind, "path", ev.Path, "target", ev.Target, "pid", ev.Caller.PID, "process", ev.Caller.Name)

	r, ok := h.match(ev)
	if !ok {
		return nil
	}

	if r.Delay > 0 {
		t := time.NewTimer(r.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if r.Error != 0 {
		return r.Error
	}
	return nil
}

func (h *ScriptedHandler) CreateFile(ctx context.Context, ev *projfs.Event) error {
	return h.handle(ctx, ev)
}

func (h *ScriptedHandler) CreateDir(ctx context.Context, ev *projfs.Event) error {
	return h.handle(ctx, ev)
}

func (h *ScriptedHandler) DeleteFile(ctx context.Context, ev *projfs.Event) error {
	return h.handle(ctx, ev)
}

func (h *ScriptedHandler) DeleteDir(ctx context.Context, ev *projfs.Event) error {
	return h.handle(ctx, ev)
}

func (h *ScriptedHandler) PopulateDir(ctx context.Context, ev *projfs.Event) error {
	return h.handle(ctx, ev)
}

func (h *ScriptedHandler) Rename(ctx context.Context, ev *projfs.Event) error {
	return h.handle(ctx, ev)
}
