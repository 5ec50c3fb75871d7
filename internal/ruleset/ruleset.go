// Package ruleset reads and writes fee rules and request contexts as YAML,
// the format feectl uses for offline quoting and for import/export.
package ruleset

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/matt-riley/cartfee/internal/core"
	"github.com/matt-riley/cartfee/internal/service"
)

// File is the on-disk shape of a rule set.
type File struct {
	Rules []core.FeeRule `yaml:"rules" json:"rules"`
}

// RuleError ties a validation failure to the rule that caused it.
type RuleError struct {
	Index int
	ID    string
	Err   error
}

func (e RuleError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("rule %d (%s): %v", e.Index, e.ID, e.Err)
	}
	return fmt.Sprintf("rule %d: %v", e.Index, e.Err)
}

func (e RuleError) Unwrap() error { return e.Err }

func Load(path string) ([]core.FeeRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rule set: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a rule set. Unknown keys are rejected so a typo cannot
// silently drop a setting.
func Decode(r io.Reader) ([]core.FeeRule, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file File
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse rule set: %w", err)
	}

	rules := make([]core.FeeRule, 0, len(file.Rules))
	for _, rule := range file.Rules {
		rules = append(rules, service.NormalizeRule(rule))
	}
	return rules, nil
}

func Save(path string, rules []core.FeeRule) error {
	var buf bytes.Buffer
	if err := Encode(&buf, rules); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write rule set: %w", err)
	}
	return nil
}

func Encode(w io.Writer, rules []core.FeeRule) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(File{Rules: rules}); err != nil {
		return fmt.Errorf("encode rule set: %w", err)
	}
	return enc.Close()
}

// Validate checks every rule and reports each failure with its position.
func Validate(rules []core.FeeRule) []error {
	var errs []error
	for i, rule := range rules {
		if err := service.ValidateRule(rule); err != nil {
			errs = append(errs, RuleError{Index: i, ID: rule.ID, Err: err})
		}
	}
	return errs
}

// LoadContext reads a request context from a YAML file.
func LoadContext(path string) (core.RequestContext, error) {
	f, err := os.Open(path)
	if err != nil {
		return core.RequestContext{}, fmt.Errorf("open context: %w", err)
	}
	defer f.Close()
	return DecodeContext(f)
}

func DecodeContext(r io.Reader) (core.RequestContext, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var reqCtx core.RequestContext
	if err := dec.Decode(&reqCtx); err != nil && !errors.Is(err, io.EOF) {
		return core.RequestContext{}, fmt.Errorf("parse context: %w", err)
	}
	return reqCtx, nil
}
