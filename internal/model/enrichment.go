package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DeepPrefix namespaces enriched fields in the document store so they never
// collide with raw harvested fields.
const DeepPrefix = "deep_"

// ErrMissingFields is returned when an enrichment payload lacks the four
// required minimum fields.
var ErrMissingFields = errors.New("enrichment missing minimum fields")

// EnrichmentAttributes is the structured reply expected from the LLM. Every
// field is optional on the wire; Validate enforces the minimum set before
// anything is written to the document store.
type EnrichmentAttributes struct {
	ScenicLevel                 *string `json:"scenic_level"`
	AlternateName               *string `json:"alternate_name"`
	Coordinates                 *string `json:"coordinates"`
	TicketPrice                 *string `json:"ticket_price"`
	OpeningHours                *string `json:"opening_hours"`
	ForestParkLevel             *string `json:"forest_park_level"`
	GeologicalParkLevel         *string `json:"geological_park_level"`
	NatureReserveLevel          *string `json:"nature_reserve_level"`
	WaterConservancyScenicArea  *string `json:"water_conservancy_scenic_area"`
	MuseumLevel                 *string `json:"museum_level"`
	WetlandLevel                *string `json:"wetland_level"`
	HeritageProjectNumber       *string `json:"heritage_project_number"`
	CulturalRelicProtectionUnit *string `json:"cultural_relic_protection_unit"`
}

// Validate checks the minimum-fields gate: scenic_level, coordinates,
// ticket_price and opening_hours must all be present and non-empty.
func (a EnrichmentAttributes) Validate() error {
	missing := make([]string, 0, 4)
	check := func(name string, v *string) {
		if v == nil || strings.TrimSpace(*v) == "" {
			missing = append(missing, name)
		}
	}
	check("scenic_level", a.ScenicLevel)
	check("coordinates", a.Coordinates)
	check("ticket_price", a.TicketPrice)
	check("opening_hours", a.OpeningHours)
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingFields, strings.Join(missing, ", "))
	}
	return nil
}

// DeepFields maps the non-nil attributes to their prefixed document-store
// field names.
func (a EnrichmentAttributes) DeepFields() map[string]any {
	fields := make(map[string]any, 13)
	put := func(name string, v *string) {
		if v != nil && strings.TrimSpace(*v) != "" {
			fields[DeepPrefix+name] = *v
		}
	}
	put("scenic_level", a.ScenicLevel)
	put("alternate_name", a.AlternateName)
	put("coordinates", a.Coordinates)
	put("ticket_price", a.TicketPrice)
	put("opening_hours", a.OpeningHours)
	put("forest_park_level", a.ForestParkLevel)
	put("geological_park_level", a.GeologicalParkLevel)
	put("nature_reserve_level", a.NatureReserveLevel)
	put("water_conservancy_scenic_area", a.WaterConservancyScenicArea)
	put("museum_level", a.MuseumLevel)
	put("wetland_level", a.WetlandLevel)
	put("heritage_project_number", a.HeritageProjectNumber)
	put("cultural_relic_protection_unit", a.CulturalRelicProtectionUnit)
	return fields
}

// UnmarshalJSON tolerates scalar variety in model output: numbers, booleans
// and nulls are normalized into strings so a reply like {"ticket_price": 60}
// still parses.
func (a *EnrichmentAttributes) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("enrichment object: %w", err)
	}
	fields := map[string]**string{
		"scenic_level":                   &a.ScenicLevel,
		"alternate_name":                 &a.AlternateName,
		"coordinates":                    &a.Coordinates,
		"ticket_price":                   &a.TicketPrice,
		"opening_hours":                  &a.OpeningHours,
		"forest_park_level":              &a.ForestParkLevel,
		"geological_park_level":          &a.GeologicalParkLevel,
		"nature_reserve_level":           &a.NatureReserveLevel,
		"water_conservancy_scenic_area":  &a.WaterConservancyScenicArea,
		"museum_level":                   &a.MuseumLevel,
		"wetland_level":                  &a.WetlandLevel,
		"heritage_project_number":        &a.HeritageProjectNumber,
		"cultural_relic_protection_unit": &a.CulturalRelicProtectionUnit,
	}
	for name, dst := range fields {
		msg, ok := raw[name]
		if !ok {
			continue
		}
		value, err := scalarToString(msg)
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		*dst = value
	}
	return nil
}

func scalarToString(msg json.RawMessage) (*string, error) {
	trimmed := strings.TrimSpace(string(msg))
	if trimmed == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(msg, &s); err == nil {
		return &s, nil
	}
	// Numbers, booleans, and coordinate arrays are flattened verbatim.
	var v any
	if err := json.Unmarshal(msg, &v); err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, fmt.Sprint(item))
		}
		joined := strings.Join(parts, ",")
		return &joined, nil
	default:
		flat := fmt.Sprint(t)
		return &flat, nil
	}
}
