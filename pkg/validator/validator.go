package validator

import (
	"strings"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ""
	}
	var msgs []string
	for _, e := range v {
		msgs = append(msgs, e.Field+": "+e.Message)
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any errors
func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

// Add adds a validation error
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, ValidationError{Field: field, Message: message})
}

// ValidateNotificationInput checks the user-supplied fields of a new
// notification. Kind is free-form by contract (unknown kinds degrade to a
// generic rendering client-side) but must be non-empty and short.
func ValidateNotificationInput(kind, title, body string) ValidationErrors {
	var errs ValidationErrors

	kind = strings.TrimSpace(kind)
	if kind == "" {
		errs.Add("kind", "is required")
	} else if len(kind) > 64 {
		errs.Add("kind", "must be at most 64 characters")
	}

	if strings.TrimSpace(title) == "" {
		errs.Add("title", "is required")
	} else if len(title) > 200 {
		errs.Add("title", "must be at most 200 characters")
	}

	if len(body) > 2000 {
		errs.Add("body", "must be at most 2000 characters")
	}

	return errs
}

// SanitizeString trims whitespace and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}
