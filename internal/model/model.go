// Package model defines core types shared across the harvest and
// enrichment subsystems.
package model

import (
	"crypto/md5" //nolint:gosec // cache filenames, not security
	"encoding/hex"
	"time"
)

// Stage identifies one level of the crawl pipeline.
type Stage string

// Pipeline stages in dataflow order.
const (
	StageCities   Stage = "cities"
	StageListings Stage = "listings"
	StageDetails  Stage = "details"
)

// Stages lists the pipeline stages in dataflow order.
func Stages() []Stage {
	return []Stage{StageCities, StageListings, StageDetails}
}

// Valid reports whether s names a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageCities, StageListings, StageDetails:
		return true
	}
	return false
}

// City is harvested from the national destinations page. City records are
// created during the cities stage and never mutated afterward.
type City struct {
	CityID             string `json:"city_id" bson:"city_id"`
	Name               string `json:"name" bson:"name"`
	Link               string `json:"link" bson:"link"`
	AttractionsListURL string `json:"attractions_list_url" bson:"attractions_list_url"`
}

// POI is one harvested point of interest. The listings stage creates a
// partial record (id, name, link, score, summary); the details stage merges
// the remaining fields. Enriched fields live under the deep_ prefix in the
// document store and never collide with these.
type POI struct {
	// ID is the document store's native primary key (ObjectID hex).
	// Empty until the document has been persisted; the store layer owns
	// the mapping to the native _id type.
	ID string `json:"-" bson:"-"`

	POIID        string    `json:"poi_id" bson:"poi_id"`
	Name         string    `json:"name" bson:"name"`
	Link         string    `json:"link" bson:"link"`
	City         string    `json:"city" bson:"city"`
	CityID       string    `json:"city_id" bson:"city_id"`
	Image        string    `json:"image,omitempty" bson:"image,omitempty"`
	Score        string    `json:"score,omitempty" bson:"score,omitempty"`
	Summary      string    `json:"summary,omitempty" bson:"summary,omitempty"`
	Transport    string    `json:"transport,omitempty" bson:"transport,omitempty"`
	Ticket       string    `json:"ticket,omitempty" bson:"ticket,omitempty"`
	OpeningHours string    `json:"opening_hours,omitempty" bson:"opening_hours,omitempty"`
	Address      string    `json:"address,omitempty" bson:"address,omitempty"`
	Location     string    `json:"location,omitempty" bson:"location,omitempty"`
	Comments     []string  `json:"comments,omitempty" bson:"comments,omitempty"`
	CrawledAt    time.Time `json:"crawled_at" bson:"crawled_at"`
}

// CommentCount returns the number of harvested user comments.
func (p POI) CommentCount() int { return len(p.Comments) }

// Merge copies detail-stage fields from other into p, keeping the
// listings-stage identity fields already present. The listings-stage write
// happens-before this merge; merging never blanks an existing value.
func (p *POI) Merge(other POI) {
	if other.Name != "" {
		p.Name = other.Name
	}
	setIfEmpty := func(dst *string, src string) {
		if *dst == "" && src != "" {
			*dst = src
		}
	}
	setIfEmpty(&p.Image, other.Image)
	setIfEmpty(&p.Score, other.Score)
	setIfEmpty(&p.Summary, other.Summary)
	setIfEmpty(&p.Transport, other.Transport)
	setIfEmpty(&p.Ticket, other.Ticket)
	setIfEmpty(&p.OpeningHours, other.OpeningHours)
	setIfEmpty(&p.Address, other.Address)
	setIfEmpty(&p.Location, other.Location)
	if len(other.Comments) > 0 {
		p.Comments = other.Comments
	}
	if !other.CrawledAt.IsZero() {
		p.CrawledAt = other.CrawledAt
	}
}

// CacheKey computes the enrichment cache filename stem for a POI:
// hex(md5(city + "_" + name)).
func CacheKey(city, name string) string {
	sum := md5.Sum([]byte(city + "_" + name)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
