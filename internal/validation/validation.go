// Package validation schema-checks inbound request bodies before any upstream call.
// The same rules back the client SDK so both layers stay in step.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidRequest is the sentinel matched by every *Error.
var ErrInvalidRequest = errors.New("invalid request")

// Field limits shared by the proxy handlers and the client SDK.
const (
	MaxCityLen           = 100
	MinQueryLen          = 2
	MaxQueryLen          = 100
	MaxChatMessageLen    = 500
	MaxContactNameLen    = 100
	MaxContactEmailLen   = 255
	MaxContactMessageLen = 1000
)

// FieldError describes one offending field.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Error is a structured validation failure. Kind names the request kind being checked
// ("weather-by-city", "chat", "contact", ...), or "envelope" when the body itself is unusable.
type Error struct {
	Kind   string
	Fields []FieldError
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("invalid %s request", e.Kind)
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("invalid %s request: %s", e.Kind, strings.Join(parts, "; "))
}

func (e *Error) Unwrap() error { return ErrInvalidRequest }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// check runs struct-tag validation and converts failures into *Error.
func check(kind string, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &Error{Kind: kind, Fields: []FieldError{{Field: "", Rule: "struct", Message: err.Error()}}}
	}
	out := &Error{Kind: kind}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{
			Field:   fieldPath(fe),
			Rule:    fe.Tag(),
			Message: ruleMessage(fe),
		})
	}
	return out
}

// fieldPath drops the top-level struct name from the namespace ("chatRequest.weatherContext.temp").
func fieldPath(fe validator.FieldError) string {
	_, rest, ok := strings.Cut(fe.Namespace(), ".")
	if !ok {
		return fe.Field()
	}
	return rest
}

func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.String {
			return "must be at least " + fe.Param() + " characters"
		}
		return "must be at least " + fe.Param()
	case "max":
		if fe.Kind() == reflect.String {
			return "must be at most " + fe.Param() + " characters"
		}
		return "must be at most " + fe.Param()
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	case "email":
		return "must be a valid email address"
	}
	return "failed " + fe.Tag()
}

// decodeError turns a JSON decoding failure into a validation error so wrong-typed
// fields are reported the same way as out-of-range ones.
func decodeError(kind string, err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &Error{Kind: kind, Fields: []FieldError{{
			Field:   typeErr.Field,
			Rule:    "type",
			Message: "must be a " + typeErr.Type.String(),
		}}}
	}
	return &Error{Kind: kind, Fields: []FieldError{{Field: "", Rule: "json", Message: "malformed JSON body"}}}
}
