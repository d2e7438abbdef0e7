package validation

import (
	"encoding/json"
	"strings"

	"github.com/kjstillabower/weathernow/internal/models"
)

// ConditionsInput is the weather summary accepted by chat (nested) and insights (top level).
type ConditionsInput struct {
	City      string   `json:"city" validate:"max=100"`
	Temp      *float64 `json:"temp" validate:"required,gte=-100,lte=100"`
	Condition string   `json:"condition" validate:"max=50"`
	Humidity  *float64 `json:"humidity" validate:"required,gte=0,lte=100"`
	WindSpeed *float64 `json:"windSpeed" validate:"required,gte=0,lte=500"`
}

func (c ConditionsInput) toContext() models.WeatherContext {
	return models.WeatherContext{
		City:      c.City,
		Temp:      *c.Temp,
		Condition: c.Condition,
		Humidity:  *c.Humidity,
		WindSpeed: *c.WindSpeed,
	}
}

type chatRequest struct {
	Message        string          `json:"message" validate:"required,min=1,max=500"`
	WeatherContext ConditionsInput `json:"weatherContext"`
}

// ChatRequest is a validated, sanitized chat turn.
type ChatRequest struct {
	Message string
	Context models.WeatherContext
}

// ParseChatRequest validates the chat body. The message is checked on its trimmed
// form and then passed through SanitizeChatMessage.
func ParseChatRequest(body []byte) (ChatRequest, error) {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return ChatRequest{}, decodeError("chat", err)
	}
	req.Message = strings.TrimSpace(req.Message)
	trimConditions(&req.WeatherContext)
	if err := check("chat", req); err != nil {
		return ChatRequest{}, err
	}
	return ChatRequest{
		Message: SanitizeChatMessage(req.Message),
		Context: req.WeatherContext.toContext(),
	}, nil
}

// ParseInsightsRequest validates the insights body {temp, condition, humidity, windSpeed}.
func ParseInsightsRequest(body []byte) (models.WeatherContext, error) {
	var req ConditionsInput
	if err := json.Unmarshal(body, &req); err != nil {
		return models.WeatherContext{}, decodeError("insights", err)
	}
	trimConditions(&req)
	if err := check("insights", req); err != nil {
		return models.WeatherContext{}, err
	}
	return req.toContext(), nil
}

func trimConditions(c *ConditionsInput) {
	c.City = SanitizeText(c.City)
	c.Condition = SanitizeText(c.Condition)
}

// ContactRequest is a contact-form submission. Name is optional.
type ContactRequest struct {
	Name    string `json:"name" validate:"max=100"`
	Email   string `json:"email" validate:"required,email,max=255"`
	Message string `json:"message" validate:"required,min=1,max=1000"`
}

// ValidateContact trims, validates and strips line breaks. It is shared by the
// contact endpoint and the client SDK's pre-submit check.
func ValidateContact(in ContactRequest) (ContactRequest, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
	in.Message = strings.TrimSpace(in.Message)
	if err := check("contact", in); err != nil {
		return ContactRequest{}, err
	}
	return ContactRequest{
		Name:    StripLineBreaks(in.Name),
		Email:   StripLineBreaks(in.Email),
		Message: StripLineBreaks(in.Message),
	}, nil
}

// ParseContactRequest decodes and validates a contact body.
func ParseContactRequest(body []byte) (ContactRequest, error) {
	var in ContactRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return ContactRequest{}, decodeError("contact", err)
	}
	return ValidateContact(in)
}
