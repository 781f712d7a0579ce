// Package validate normalizes and validates externally supplied data:
// personas, sampling overrides, and turn payloads (spec.md §3 "Persona",
// §4.6 "Prompt Sanitizer"). Struct validation is done with
// github.com/go-playground/validator/v10, the same library and
// architectural position used by the qzbxw-EGO WebSocket chat gateway
// (internal/handlers/ws.go, internal/handlers/users.go) in the retrieval
// pack: a single shared *validator.Validate instance, struct tags, and a
// thin wrapper that turns the first validation error into a wire-ready
// message.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	instance     *validator.Validate
)

func shared() *validator.Validate {
	validateOnce.Do(func() {
		instance = validator.New()
	})
	return instance
}

var personalityRe = regexp.MustCompile(`^[a-z]+$`)

// PersonaInput is the raw, externally supplied persona payload from a
// `start` or `chat_prompt` frame (spec.md §6).
type PersonaInput struct {
	Gender      string `validate:"required,oneof=female male"`
	Personality string `validate:"required,max=64"`
	ChatPrompt  string `validate:"max=8192"`
}

// Persona is the normalized, validated form used to build prompts
// (spec.md §3 "Persona").
type Persona struct {
	Gender      string
	Personality string
	ChatPrompt  string
}

// ValidationError is a caller-at-fault error reported to the client as a
// wire.ErrValidation / wire.ErrInvalidSettings frame; it never closes the
// session (spec.md §7).
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ValidationError has no Class method and does not implement
// wire.Classified (this package does not import wire), so wire.Classify
// reports it as unknown; callers that need the label use
// wire.ClassValidation directly when they already hold a *ValidationError.

// ValidatePersona validates and normalizes a PersonaInput into a Persona.
// Personality must be letters-only and is lowercased; gender is
// normalized to lowercase; chat_prompt is run through the prompt
// sanitizer (spec.md §4.6) and size-bounded.
func ValidatePersona(in PersonaInput, maxPromptChars int) (Persona, error) {
	in.Gender = strings.ToLower(strings.TrimSpace(in.Gender))
	in.Personality = strings.ToLower(strings.TrimSpace(in.Personality))

	if err := shared().Struct(in); err != nil {
		return Persona{}, &ValidationError{Code: "invalid_settings", Message: firstValidationMessage(err)}
	}
	if !personalityRe.MatchString(in.Personality) {
		return Persona{}, &ValidationError{Code: "invalid_settings", Message: "personality must be lowercase letters only"}
	}

	cleanPrompt := ""
	if in.ChatPrompt != "" {
		cleaned, err := SanitizePrompt(in.ChatPrompt, maxPromptChars)
		if err != nil {
			return Persona{}, err
		}
		cleanPrompt = cleaned
	}

	return Persona{
		Gender:      in.Gender,
		Personality: in.Personality,
		ChatPrompt:  cleanPrompt,
	}, nil
}

func firstValidationMessage(err error) string {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
	return err.Error()
}
