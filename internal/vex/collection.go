package vex

import (
	"encoding/json"
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	bsearch "github.com/blevesearch/bleve/v2/search"

	"github.com/seral-labs/harbinger/internal/index"
	"github.com/seral-labs/harbinger/internal/search"
	apperrors "github.com/seral-labs/harbinger/pkg/errors"
)

// Collection indexes CSAF advisories. One stored advisory fans out into one
// index document per vulnerability entry, keyed back to the advisory by id.
type Collection struct{}

func NewCollection() *Collection { return &Collection{} }

func (c *Collection) Name() string         { return "vex" }
func (c *Collection) KeyField() string     { return "id" }
func (c *Collection) SortField() string    { return "advisory_current_date" }
func (c *Collection) SnippetField() string { return "description" }

func (c *Collection) Map(key string, data []byte) ([]index.Document, error) {
	advisory, err := Parse(data)
	if err != nil {
		return nil, apperrors.NewMappingError(key, err)
	}
	return mapAdvisory(key, advisory), nil
}

func (c *Collection) Mapping() mapping.IndexMapping {
	keyword := func(stored bool) *mapping.FieldMapping {
		fm := bleve.NewKeywordFieldMapping()
		fm.Store = stored
		fm.IncludeInAll = false
		return fm
	}
	text := func() *mapping.FieldMapping {
		fm := bleve.NewTextFieldMapping()
		fm.Store = true
		fm.IncludeInAll = false
		return fm
	}
	date := func(stored bool) *mapping.FieldMapping {
		fm := bleve.NewDateTimeFieldMapping()
		fm.Store = stored
		fm.IncludeInAll = false
		return fm
	}

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("id", keyword(true))
	doc.AddFieldMappingsAt("status", keyword(false))
	doc.AddFieldMappingsAt("cve", keyword(true))
	doc.AddFieldMappingsAt("severity", keyword(true))
	doc.AddFieldMappingsAt("title", text())
	doc.AddFieldMappingsAt("description", text())
	doc.AddFieldMappingsAt("product_status", text())

	cvss := bleve.NewNumericFieldMapping()
	cvss.Store = true
	cvss.IncludeInAll = false
	doc.AddFieldMappingsAt("cvss", cvss)

	doc.AddFieldMappingsAt("advisory_initial_date", date(false))
	doc.AddFieldMappingsAt("advisory_current_date", date(true))
	doc.AddFieldMappingsAt("cve_discovery_date", date(false))
	doc.AddFieldMappingsAt("cve_release_date", date(true))

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	return im
}

func (c *Collection) Schema() *search.Schema {
	return &search.Schema{
		Qualifiers: map[string][]search.Field{
			"id":          {{Name: "id", Kind: search.KindExact}},
			"cve":         {{Name: "cve", Kind: search.KindExact}},
			"title":       {{Name: "title", Kind: search.KindText}},
			"description": {{Name: "description", Kind: search.KindText}},
			"package":     {{Name: "product_status", Kind: search.KindText}},
			"severity":    {{Name: "severity", Kind: search.KindExact}},
			"status":      {{Name: "status", Kind: search.KindExact}},
			"cvss":        {{Name: "cvss", Kind: search.KindNumber}},
			"initial":     {{Name: "advisory_initial_date", Kind: search.KindDate}},
			"release": {
				{Name: "advisory_current_date", Kind: search.KindDate},
				{Name: "cve_release_date", Kind: search.KindDate},
			},
			"discovery": {{Name: "cve_discovery_date", Kind: search.KindDate}},
		},
		Predicates: map[string]search.FieldValue{
			"final":    {Field: "status", Value: "final"},
			"critical": {Field: "severity", Value: "critical"},
			"high":     {Field: "severity", Value: "high"},
			"medium":   {Field: "severity", Value: "medium"},
			"low":      {Field: "severity", Value: "low"},
		},
		DefaultScope: []string{"id", "cve", "title", "description", "severity", "status"},
	}
}

// VulnerabilityHit is one vulnerability search result.
type VulnerabilityHit struct {
	Advisory     string           `json:"advisory"`
	CVE          string           `json:"cve,omitempty"`
	Title        string           `json:"title,omitempty"`
	Description  string           `json:"description,omitempty"`
	Severity     string           `json:"severity,omitempty"`
	CVSS         float64          `json:"cvss"`
	AdvisoryDate string           `json:"advisory_date,omitempty"`
	Release      string           `json:"release,omitempty"`
	Affected     []ProductPackage `json:"affected,omitempty"`
	Fixed        []ProductPackage `json:"fixed,omitempty"`
	Snippet      string           `json:"snippet,omitempty"`
	Score        float64          `json:"score,omitempty"`
	Explanation  json.RawMessage  `json:"explanation,omitempty"`
}

func (c *Collection) ProcessHit(hit *bsearch.DocumentMatch, opts index.SearchOptions) (any, error) {
	out := VulnerabilityHit{
		Advisory:     index.ParentKey(hit.ID),
		CVE:          index.FieldString(hit.Fields, "cve"),
		Title:        index.FieldString(hit.Fields, "title"),
		Description:  index.FieldString(hit.Fields, "description"),
		Severity:     index.FieldString(hit.Fields, "severity"),
		CVSS:         index.FieldNumber(hit.Fields, "cvss"),
		AdvisoryDate: index.FieldString(hit.Fields, "advisory_current_date"),
		Release:      index.FieldString(hit.Fields, "cve_release_date"),
	}
	if raw := index.FieldString(hit.Fields, "product_status"); raw != "" {
		var status struct {
			KnownAffected []ProductPackage `json:"known_affected"`
			Fixed         []ProductPackage `json:"fixed"`
		}
		if err := json.Unmarshal([]byte(raw), &status); err == nil {
			out.Affected = status.KnownAffected
			out.Fixed = status.Fixed
		}
	}
	if frags := hit.Fragments["description"]; len(frags) > 0 {
		out.Snippet = frags[0]
	}
	if opts.Metadata {
		out.Score = hit.Score
	}
	if opts.Explain && hit.Expl != nil {
		expl, err := json.Marshal(hit.Expl)
		if err != nil {
			return nil, fmt.Errorf("marshaling explanation for %q: %w", hit.ID, err)
		}
		out.Explanation = expl
	}
	return out, nil
}
