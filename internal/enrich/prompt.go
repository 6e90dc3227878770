package enrich

import (
	"fmt"
	"strings"

	"github.com/tourlytics/poipipe/internal/model"
)

const systemPrompt = "You are a data-extraction assistant for Chinese tourist " +
	"attractions. Reply with a single JSON object and nothing else: no prose, " +
	"no markdown, no explanations. Use null for any attribute you cannot " +
	"determine with confidence."

const userPromptTemplate = `Provide structured attributes for the tourist attraction "%s" in %s, China.

Return a JSON object with exactly these keys:
  "scenic_level": national scenic area rating such as "5A" or "4A", else null
  "alternate_name": another common name for the attraction, else null
  "coordinates": "longitude,latitude" in WGS-84 decimal degrees, else null
  "ticket_price": admission in CNY, e.g. "60" or "免费", else null
  "opening_hours": e.g. "08:30-17:00", else null
  "forest_park_level": national forest park level, else null
  "geological_park_level": geological park level, else null
  "nature_reserve_level": nature reserve level, else null
  "water_conservancy_scenic_area": water conservancy scenic area designation, else null
  "museum_level": national museum grade, else null
  "wetland_level": wetland park level, else null
  "heritage_project_number": intangible cultural heritage project number, else null
  "cultural_relic_protection_unit": protection unit designation, else null

Every value must be a string or null.`

func userPrompt(city, name string) string {
	return fmt.Sprintf(userPromptTemplate, name, city)
}

// ParseReply extracts attributes from a raw model reply: strip a fenced-code
// wrapper if present, parse the JSON object, then apply the minimum-fields
// gate. A reply below the gate is a retryable failure.
func ParseReply(raw string) (model.EnrichmentAttributes, error) {
	var attrs model.EnrichmentAttributes
	body := stripFences(raw)
	if body == "" {
		return attrs, fmt.Errorf("%w: empty reply", ErrLLMTransient)
	}
	if err := attrs.UnmarshalJSON([]byte(body)); err != nil {
		return attrs, fmt.Errorf("%w: %v", ErrLLMTransient, err)
	}
	if err := attrs.Validate(); err != nil {
		return attrs, fmt.Errorf("%w: %v", ErrLLMTransient, err)
	}
	return attrs, nil
}

// stripFences unwraps ```json ... ``` blocks; models add them despite the
// system prompt.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
