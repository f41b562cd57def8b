package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	// ErrValidation is wrapped by every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrCorrupt marks persisted data that could not be decoded.
	ErrCorrupt = errors.New("stored data is corrupt")
)

const (
	MaxTitleLength       = 500
	MaxDescriptionLength = 2000
	MinPriority          = 1
	MaxPriority          = 5
)

// ValidationError describes a single rejected field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// unsafeContent matches markup and script vectors that must not be stored.
var unsafeContent = regexp.MustCompile(`(?i)(<\s*/?\s*[a-z!][^>]*>|<\s*script|javascript\s*:|vbscript\s*:|data\s*:\s*text/html|\bon(click|dblclick|load|unload|error|abort|mouse\w*|key\w*|focus|blur|change|submit|input|pointer\w*|touch\w*)\s*=)`)

// SanitizeTitle trims, strips control characters, collapses runs of
// whitespace, and then validates the result.
func SanitizeTitle(title string) (string, error) {
	clean := sanitize(title)
	if err := ValidateTitle(clean); err != nil {
		return "", err
	}
	return clean, nil
}

// ValidateTitle checks an already-sanitized title.
func ValidateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return &ValidationError{Field: "title", Message: "title is required"}
	}
	if n := utf8.RuneCountInString(title); n > MaxTitleLength {
		return &ValidationError{Field: "title", Message: fmt.Sprintf("title must be %d characters or less (got %d)", MaxTitleLength, n)}
	}
	if unsafeContent.MatchString(title) {
		return &ValidationError{Field: "title", Message: "title contains markup or script content"}
	}
	return nil
}

func validateDescription(desc string) error {
	if n := utf8.RuneCountInString(desc); n > MaxDescriptionLength {
		return &ValidationError{Field: "description", Message: fmt.Sprintf("description must be %d characters or less (got %d)", MaxDescriptionLength, n)}
	}
	if unsafeContent.MatchString(desc) {
		return &ValidationError{Field: "description", Message: "description contains markup or script content"}
	}
	return nil
}

func validatePriority(p *int) error {
	if p != nil && (*p < MinPriority || *p > MaxPriority) {
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("priority must be between %d and %d (got %d)", MinPriority, MaxPriority, *p)}
	}
	return nil
}

func validateEstimate(e *int) error {
	if e != nil && *e < 0 {
		return &ValidationError{Field: "estimatedTime", Message: fmt.Sprintf("estimated time must be non-negative (got %d)", *e)}
	}
	return nil
}

// ValidateCreate sanitizes dto in place and checks every field.
func ValidateCreate(dto *CreateTodo) error {
	title, err := SanitizeTitle(dto.Title)
	if err != nil {
		return err
	}
	dto.Title = title
	dto.Description = strings.TrimSpace(dto.Description)
	if err := validateDescription(dto.Description); err != nil {
		return err
	}
	if err := validatePriority(dto.Priority); err != nil {
		return err
	}
	return validateEstimate(dto.EstimatedTime)
}

// ValidatePatch sanitizes the set fields of p in place and checks them.
func ValidatePatch(p *TodoPatch) error {
	switch {
	case p.Priority != nil && p.ClearPriority:
		return &ValidationError{Field: "priority", Message: "priority cannot be both set and cleared"}
	case p.EstimatedTime != nil && p.ClearEstimatedTime:
		return &ValidationError{Field: "estimatedTime", Message: "estimatedTime cannot be both set and cleared"}
	case p.DueDate != nil && p.ClearDueDate:
		return &ValidationError{Field: "dueDate", Message: "dueDate cannot be both set and cleared"}
	}
	if p.Title != nil {
		title, err := SanitizeTitle(*p.Title)
		if err != nil {
			return err
		}
		p.Title = &title
	}
	if p.Description != nil {
		desc := strings.TrimSpace(*p.Description)
		if err := validateDescription(desc); err != nil {
			return err
		}
		p.Description = &desc
	}
	if p.Order != nil && *p.Order < 0 {
		return &ValidationError{Field: "order", Message: fmt.Sprintf("order must be non-negative (got %d)", *p.Order)}
	}
	if err := validatePriority(p.Priority); err != nil {
		return err
	}
	return validateEstimate(p.EstimatedTime)
}

// Validate checks a complete record, as read from an import or the remote.
func (t *Todo) Validate() error {
	if t.ID == "" {
		return &ValidationError{Field: "id", Message: "id is required"}
	}
	if err := ValidateTitle(t.Title); err != nil {
		return err
	}
	if err := validateDescription(t.Description); err != nil {
		return err
	}
	if err := validatePriority(t.Priority); err != nil {
		return err
	}
	if err := validateEstimate(t.EstimatedTime); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		return &ValidationError{Field: "createdAt", Message: "createdAt is required"}
	}
	if t.Completed != (t.CompletedAt != nil) {
		return &ValidationError{Field: "completedAt", Message: "completedAt must be set exactly when completed"}
	}
	return nil
}

func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
