package authflow

import (
	"sort"
	"strings"
)

// ErrorTag identifies a user-correctable validation failure. The empty tag
// means "no error".
type ErrorTag string

const (
	TagNone             ErrorTag = ""
	TagInvalidEmail     ErrorTag = "invalid_email"
	TagInvalidCode      ErrorTag = "invalid_code"
	TagEmailTaken       ErrorTag = "email_taken"
	TagPasswordMismatch ErrorTag = "password_mismatch"
	TagInvalidPassword  ErrorTag = "invalid_password"
	TagInvalidName      ErrorTag = "invalid_name"
	TagInvalidLastName  ErrorTag = "invalid_lastName"
	TagInvalidPhone     ErrorTag = "invalid_phone"
	TagInvalidLink      ErrorTag = "invalid_link"
)

// CopyKey is the catalog key holding the user-facing text for t.
func (t ErrorTag) CopyKey() string {
	return "error_" + string(t)
}

// TagSet is the closed set of tags a flow may emit.
type TagSet map[ErrorTag]struct{}

// NewTagSet builds a set from tags. TagNone is never a member.
func NewTagSet(tags ...ErrorTag) TagSet {
	s := make(TagSet, len(tags))
	for _, t := range tags {
		if t != TagNone {
			s[t] = struct{}{}
		}
	}
	return s
}

// Has reports whether t may be emitted. TagNone is always allowed.
func (s TagSet) Has(t ErrorTag) bool {
	if t == TagNone {
		return true
	}
	_, ok := s[t]
	return ok
}

// Sorted returns the members in lexical order.
func (s TagSet) Sorted() []ErrorTag {
	out := make([]ErrorTag, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Copy maps catalog keys such as "error_invalid_email" to display text.
type Copy map[string]string

// ValidateCopy checks that the "error_" keys of c are exactly the copy keys
// of tags: each tag has non-empty text and no key names a tag outside the set.
func ValidateCopy(tags TagSet, c Copy) error {
	var missing, unknown []string
	for _, t := range tags.Sorted() {
		if c[t.CopyKey()] == "" {
			missing = append(missing, t.CopyKey())
		}
	}
	for k := range c {
		tag, ok := strings.CutPrefix(k, "error_")
		if ok && !tags.Has(ErrorTag(tag)) {
			unknown = append(unknown, k)
		}
	}
	if len(missing) > 0 || len(unknown) > 0 {
		sort.Strings(unknown)
		return &copyError{missing: missing, unknown: unknown}
	}
	return nil
}

type copyError struct {
	missing []string
	unknown []string
}

func (e *copyError) Error() string {
	msg := ErrCopyIncomplete.Error()
	if len(e.missing) > 0 {
		msg += ": missing " + strings.Join(e.missing, " ")
	}
	if len(e.unknown) > 0 {
		msg += ": undeclared " + strings.Join(e.unknown, " ")
	}
	return msg
}

func (e *copyError) Unwrap() error { return ErrCopyIncomplete }
