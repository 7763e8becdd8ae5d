// Package schema defines per-source extraction schemas for the delta
// engine: how a raw payload splits into records, which field identifies
// a record, and which fields participate in change detection.
package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/feedlinehq/feedline/pkg/errors"
)

// ResponseShape declares how a source payload splits into records.
type ResponseShape string

const (
	// ShapeObject treats the whole payload as a single record.
	ShapeObject ResponseShape = "object"
	// ShapeList treats the payload (or the collection at DataPath) as a
	// list of records.
	ShapeList ResponseShape = "list"
	// ShapeKeyed treats the payload as a map of identity to record; the
	// key is injected into each record under KeyField.
	ShapeKeyed ResponseShape = "keyed"
)

// RuleKind tags an extraction rule variant.
type RuleKind string

const (
	// KindFieldPath copies the value at a dotted path.
	KindFieldPath RuleKind = "field_path"
	// KindNested descends to a dotted path and applies sub-rules to the
	// object found there.
	KindNested RuleKind = "nested"
	// KindComputed produces a value from a named builtin function.
	KindComputed RuleKind = "computed"
)

// Rule is one extraction rule. Exactly the fields for its kind are
// consulted; rules are static data, resolved by kind rather than by
// invoking arbitrary callables.
type Rule struct {
	Kind   RuleKind `yaml:"kind" json:"kind"`
	Target string   `yaml:"target" json:"target"`

	// Path is the dotted source path for field_path and nested rules.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	// Rules are the sub-rules a nested rule applies at Path.
	Rules []Rule `yaml:"rules,omitempty" json:"rules,omitempty"`
	// Function names the builtin a computed rule evaluates.
	Function string `yaml:"function,omitempty" json:"function,omitempty"`
}

// Validate checks the rule is well-formed for its kind.
func (r *Rule) Validate() error {
	if r.Target == "" {
		return errors.New(errors.ErrorTypeConfig, "rule target is required")
	}
	switch r.Kind {
	case KindFieldPath:
		if r.Path == "" {
			return errors.Newf(errors.ErrorTypeConfig, "field_path rule %q requires a path", r.Target)
		}
	case KindNested:
		if r.Path == "" {
			return errors.Newf(errors.ErrorTypeConfig, "nested rule %q requires a path", r.Target)
		}
		if len(r.Rules) == 0 {
			return errors.Newf(errors.ErrorTypeConfig, "nested rule %q requires sub-rules", r.Target)
		}
		for i := range r.Rules {
			if err := r.Rules[i].Validate(); err != nil {
				return err
			}
		}
	case KindComputed:
		if _, ok := computeFuncs[r.Function]; !ok {
			return errors.Newf(errors.ErrorTypeConfig, "computed rule %q names unknown function %q", r.Target, r.Function)
		}
	default:
		return errors.Newf(errors.ErrorTypeConfig, "rule %q has unknown kind %q", r.Target, r.Kind)
	}
	return nil
}

// computeFuncs are the builtins available to computed rules.
var computeFuncs = map[string]func() interface{}{
	"now":      func() interface{} { return time.Now().UTC().Format(time.RFC3339) },
	"unix_now": func() interface{} { return time.Now().Unix() },
	"uuid":     func() interface{} { return uuid.NewString() },
}

// KeyField is the field name the keyed shape injects the map key under.
const KeyField = "_key"

// Schema describes one source's record layout for the delta engine.
type Schema struct {
	ConnectorID string        `yaml:"connector_id" json:"connector_id"`
	Shape       ResponseShape `yaml:"shape" json:"shape"`

	// DataPath locates the record collection inside the payload for list
	// and keyed shapes. Empty means the payload root.
	DataPath string `yaml:"data_path,omitempty" json:"data_path,omitempty"`

	// PrimaryIdentifier is the dotted path to the field identifying a
	// record within this source.
	PrimaryIdentifier string `yaml:"primary_identifier" json:"primary_identifier"`

	// ComparisonFields are the only fields the checksum covers. Empty
	// means all extracted fields except ExcludedFields.
	ComparisonFields []string `yaml:"comparison_fields,omitempty" json:"comparison_fields,omitempty"`

	// ExcludedFields never participate in the checksum, so noisy values
	// (server timestamps, image URLs) cannot produce spurious updates.
	ExcludedFields []string `yaml:"excluded_fields,omitempty" json:"excluded_fields,omitempty"`

	// ExtractionRules shape the canonical record. Empty means records
	// pass through unmodified.
	ExtractionRules []Rule `yaml:"extraction_rules,omitempty" json:"extraction_rules,omitempty"`
}

// Validate checks the schema is well-formed.
func (s *Schema) Validate() error {
	if s.ConnectorID == "" {
		return errors.New(errors.ErrorTypeConfig, "schema connector_id is required")
	}
	switch s.Shape {
	case ShapeObject, ShapeList, ShapeKeyed:
	default:
		return errors.Newf(errors.ErrorTypeConfig, "schema %s: unknown shape %q", s.ConnectorID, s.Shape)
	}
	if s.PrimaryIdentifier == "" {
		return errors.Newf(errors.ErrorTypeConfig, "schema %s: primary_identifier is required", s.ConnectorID)
	}
	for i := range s.ExtractionRules {
		if err := s.ExtractionRules[i].Validate(); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeConfig, "schema %s", s.ConnectorID)
		}
	}
	return nil
}

// Extract applies the schema's extraction rules to one raw record.
// Without rules the record passes through as-is.
func (s *Schema) Extract(record map[string]interface{}) map[string]interface{} {
	if len(s.ExtractionRules) == 0 {
		return record
	}
	return applyRules(s.ExtractionRules, record)
}

func applyRules(rules []Rule, record map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(rules))
	for i := range rules {
		rule := &rules[i]
		switch rule.Kind {
		case KindFieldPath:
			if v, ok := Walk(record, rule.Path); ok {
				out[rule.Target] = v
			}
		case KindNested:
			v, ok := Walk(record, rule.Path)
			if !ok {
				continue
			}
			nested, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			out[rule.Target] = applyRules(rule.Rules, nested)
		case KindComputed:
			if fn, ok := computeFuncs[rule.Function]; ok {
				out[rule.Target] = fn()
			}
		}
	}
	return out
}

// Walk resolves a dotted path inside a decoded JSON object.
func Walk(m map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}

	parts := strings.Split(path, ".")
	var current interface{} = m
	for _, part := range parts {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
