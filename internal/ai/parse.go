package ai

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kjstillabower/weathernow/internal/models"
)

// ParseTier names the strategy that produced an Insights value.
type ParseTier string

const (
	TierStructured ParseTier = "structured"
	TierKeywords   ParseTier = "keywords"
	TierParagraphs ParseTier = "paragraphs"
	TierDefaults   ParseTier = "defaults"
)

const (
	DefaultOutfit   = "Dress comfortably for the current conditions."
	DefaultActivity = "Enjoy your day!"
)

var (
	leadingNumber = regexp.MustCompile(`^[\d.]+\s*`)
	outfitLabel   = regexp.MustCompile(`(?i)^(outfit|wear)[:\s]*`)
	activityLabel = regexp.MustCompile(`(?i)^(activity|do)[:\s]*`)
	fencedJSON    = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")
)

// ParseInsights extracts outfit and activity advice from a model reply. Tiers are tried
// in order: a JSON object, keyword-marked lines, the first two paragraphs, fixed defaults.
// Each field is always non-empty.
func ParseInsights(text string) (models.Insights, ParseTier) {
	if in, ok := parseStructured(text); ok {
		return in, TierStructured
	}
	if in, ok := parseKeywords(text); ok {
		return in, TierKeywords
	}
	return parseParagraphs(text)
}

func parseStructured(text string) (models.Insights, bool) {
	raw := strings.TrimSpace(text)
	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		raw = m[1]
	}
	if !strings.HasPrefix(raw, "{") {
		return models.Insights{}, false
	}
	var in models.Insights
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return models.Insights{}, false
	}
	in.Outfit = strings.TrimSpace(in.Outfit)
	in.Activity = strings.TrimSpace(in.Activity)
	return in, in.Outfit != "" && in.Activity != ""
}

// parseKeywords scans non-blank lines; a later matching line overrides an earlier one.
func parseKeywords(text string) (models.Insights, bool) {
	var in models.Insights
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "outfit") || strings.Contains(lower, "wear") || strings.Contains(lower, "1."):
			in.Outfit = stripLabel(line, outfitLabel)
		case strings.Contains(lower, "activity") || strings.Contains(lower, "do") || strings.Contains(lower, "2."):
			in.Activity = stripLabel(line, activityLabel)
		}
	}
	return in, in.Outfit != "" && in.Activity != ""
}

func stripLabel(line string, label *regexp.Regexp) string {
	s := leadingNumber.ReplaceAllString(line, "")
	s = label.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func parseParagraphs(text string) (models.Insights, ParseTier) {
	parts := strings.Split(text, "\n\n")
	var outfit, activity string
	if len(parts) > 0 {
		outfit = strings.TrimSpace(parts[0])
	}
	if len(parts) > 1 {
		activity = strings.TrimSpace(parts[1])
	}
	if outfit == "" && activity == "" {
		return models.Insights{Outfit: DefaultOutfit, Activity: DefaultActivity}, TierDefaults
	}
	if outfit == "" {
		outfit = DefaultOutfit
	}
	if activity == "" {
		activity = DefaultActivity
	}
	return models.Insights{Outfit: outfit, Activity: activity}, TierParagraphs
}
