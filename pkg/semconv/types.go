// Package semconv loads and indexes OpenTelemetry semantic convention
// definitions, used to keep beacon's span attribute names canonical and to
// lint payload attributes against the registry.
package semconv

import "fmt"

// AttributeType is the declared type of an attribute. Scalar types carry the
// type name in Value; enum types have Value "enum" and Members populated.
type AttributeType struct {
	Value   string
	Members []EnumMember
}

// UnmarshalYAML accepts both scalar type names and enum member mappings.
func (t *AttributeType) UnmarshalYAML(unmarshal func(any) error) error {
	var scalar string
	if err := unmarshal(&scalar); err == nil {
		t.Value = scalar
		return nil
	}

	var mapping struct {
		Members []EnumMember `yaml:"members"`
	}
	if err := unmarshal(&mapping); err != nil {
		return fmt.Errorf("attribute type: expected string or mapping with members: %w", err)
	}
	t.Value = "enum"
	t.Members = mapping.Members
	return nil
}

// EnumMember is one allowed value of an enum attribute.
type EnumMember struct {
	ID         string `yaml:"id"`
	Value      any    `yaml:"value"`
	Brief      string `yaml:"brief"`
	Stability  string `yaml:"stability"`
	Note       string `yaml:"note"`
	Deprecated any    `yaml:"deprecated"`
}

// RequirementLevel states how strongly a group requires an attribute.
// Simple levels (required, recommended, opt_in) sit in Level; conditional
// levels put the condition key in Level and the detail in Explanation.
type RequirementLevel struct {
	Level       string
	Explanation string
}

// UnmarshalYAML accepts both scalar levels and conditional mappings.
func (r *RequirementLevel) UnmarshalYAML(unmarshal func(any) error) error {
	var scalar string
	if err := unmarshal(&scalar); err == nil {
		r.Level = scalar
		return nil
	}

	var mapping map[string]string
	if err := unmarshal(&mapping); err != nil {
		return fmt.Errorf("requirement level: expected string or mapping: %w", err)
	}
	for k, v := range mapping {
		r.Level = k
		r.Explanation = v
		break
	}
	return nil
}

// Examples holds an attribute's example values. The YAML form may be a
// scalar, a flat sequence, or nested sequences for array-typed attributes.
type Examples struct {
	Values []any
}

// UnmarshalYAML accepts scalars and sequences.
func (e *Examples) UnmarshalYAML(unmarshal func(any) error) error {
	var seq []any
	if err := unmarshal(&seq); err == nil {
		e.Values = seq
		return nil
	}

	var scalar any
	if err := unmarshal(&scalar); err != nil {
		return fmt.Errorf("examples: expected scalar or sequence: %w", err)
	}
	e.Values = []any{scalar}
	return nil
}

// Attribute is one attribute definition, or a reference to one when Ref is
// set. Deprecated keeps the raw YAML value: upstream files use both a plain
// string and a {reason, renamed_to} mapping.
type Attribute struct {
	ID               string           `yaml:"id"`
	Type             AttributeType    `yaml:"type"`
	Brief            string           `yaml:"brief"`
	Note             string           `yaml:"note"`
	Stability        string           `yaml:"stability"`
	Examples         Examples         `yaml:"examples"`
	Deprecated       any              `yaml:"deprecated"`
	Ref              string           `yaml:"ref"`
	RequirementLevel RequirementLevel `yaml:"requirement_level"`
}

// IsDeprecated reports whether the attribute carries a deprecation marker.
func (a *Attribute) IsDeprecated() bool {
	return a.Deprecated != nil
}

// DeprecationNote renders the deprecation marker as advice for a lint
// finding: the replacement name when one is declared, otherwise whatever
// text the registry provides.
func (a *Attribute) DeprecationNote() string {
	switch d := a.Deprecated.(type) {
	case nil:
		return ""
	case string:
		return d
	case map[string]any:
		if to, ok := d["renamed_to"].(string); ok && to != "" {
			return fmt.Sprintf("renamed to %s", to)
		}
		if note, ok := d["note"].(string); ok && note != "" {
			return note
		}
		if reason, ok := d["reason"].(string); ok && reason != "" {
			return reason
		}
		return "deprecated"
	default:
		return fmt.Sprint(d)
	}
}

// Group is one semantic convention group. The vendored model only carries
// attribute groups; the loader tolerates other group types and simply
// indexes their attributes.
type Group struct {
	ID         string      `yaml:"id"`
	Type       string      `yaml:"type"`
	Brief      string      `yaml:"brief"`
	Note       string      `yaml:"note"`
	Stability  string      `yaml:"stability"`
	Attributes []Attribute `yaml:"attributes"`

	domain string // first directory component of the source path
}
