//go:build integration
// +build integration

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/kjstillabower/weathernow/internal/models"
	"github.com/kjstillabower/weathernow/internal/validation"
)

func isValidAPIKeyFormat(key string) error {
	if len(key) != 32 {
		return fmt.Errorf("API key length is %d, expected 32", len(key))
	}

	hexPattern := regexp.MustCompile(`^[0-9a-fA-F]+$`)
	if !hexPattern.MatchString(key) {
		return fmt.Errorf("API key contains non-hexadecimal characters")
	}

	return nil
}

func integrationClient(t *testing.T) *OpenWeatherClient {
	t.Helper()
	apiKey := os.Getenv("OPENWEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("OPENWEATHER_API_KEY not set, skipping integration test")
	}
	if err := isValidAPIKeyFormat(apiKey); err != nil {
		t.Fatalf("API key format validation failed: %v", err)
	}
	return NewOpenWeatherClient(Options{APIKey: apiKey, Timeout: 5 * time.Second})
}

func TestOpenWeatherClient_FetchCurrent_Integration(t *testing.T) {
	c := integrationClient(t)

	resp, err := c.Fetch(context.Background(), validation.ProxyRequest{Type: validation.TypeWeatherByCity, City: "London"})
	if err != nil {
		t.Fatalf("Fetch() error = %v (API key may not be activated yet)", err)
	}

	var current models.OpenWeatherCurrent
	if err := json.Unmarshal(resp.Body, &current); err != nil {
		t.Fatalf("decode current weather: %v", err)
	}
	if current.Name == "" {
		t.Error("Fetch() returned empty city name")
	}
}

func TestOpenWeatherClient_FetchSuggestions_Integration(t *testing.T) {
	c := integrationClient(t)

	resp, err := c.Fetch(context.Background(), validation.ProxyRequest{Type: validation.TypeCitySuggestions, Query: "Spring"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	var matches []models.GeoMatch
	if err := json.Unmarshal(resp.Body, &matches); err != nil {
		t.Fatalf("decode geocoding: %v", err)
	}
	if len(matches) == 0 || len(matches) > SuggestionLimit {
		t.Errorf("len(matches) = %d, want 1..%d", len(matches), SuggestionLimit)
	}
}
