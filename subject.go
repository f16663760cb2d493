package authflow

import (
	"fmt"
	"sort"

	validation "github.com/go-ozzo/ozzo-validation"
)

// Subject is the identity a completed flow resolves to.
type Subject struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties,omitempty"`
}

// SubjectSchema lists the rules for each allowed property. A property absent
// from the schema is rejected.
type SubjectSchema map[string][]validation.Rule

// SubjectSchemas maps subject types to their schema.
type SubjectSchemas map[string]SubjectSchema

// Validate checks that sub.Type is registered and every property passes.
func (s SubjectSchemas) Validate(sub Subject) error {
	schema, ok := s[sub.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrSubjectType, sub.Type)
	}
	if sub.ID == "" {
		return fmt.Errorf("%w: id is required", ErrSubjectInvalid)
	}

	errs := validation.Errors{}
	for name, rules := range schema {
		errs[name] = validation.Validate(sub.Properties[name], rules...)
	}
	for name := range sub.Properties {
		if _, known := schema[name]; !known {
			errs[name] = fmt.Errorf("not allowed for subject type %q", sub.Type)
		}
	}
	if err := errs.Filter(); err != nil {
		return fmt.Errorf("%w: %v", ErrSubjectInvalid, err)
	}
	return nil
}

// Types returns the registered subject types in lexical order.
func (s SubjectSchemas) Types() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
