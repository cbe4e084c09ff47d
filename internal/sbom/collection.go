package sbom

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

// Collection indexes SBOM packages. One stored SBOM fans out into one index
// document per contained package, keyed back to the SBOM by sbom_id.
type Collection struct{}

func NewCollection() *Collection { return &Collection{} }

func (c *Collection) Name() string         { return "sbom" }
func (c *Collection) KeyField() string     { return "sbom_id" }
func (c *Collection) SortField() string    { return "created" }
func (c *Collection) SnippetField() string { return "description" }

func (c *Collection) Map(key string, data []byte) ([]index.Document, error) {
	parsed, err := Parse(data)
	if err != nil {
		return nil, apperrors.NewMappingError(key, err)
	}
	if parsed.CycloneDX != nil {
		return mapCycloneDX(key, parsed.CycloneDX), nil
	}
	return mapSPDX(key, parsed.SPDX), nil
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

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("sbom_id", keyword(true))
	doc.AddFieldMappingsAt("dependent", keyword(true))
	doc.AddFieldMappingsAt("cpe", keyword(true))
	doc.AddFieldMappingsAt("name", keyword(true))
	doc.AddFieldMappingsAt("purl", keyword(true))
	doc.AddFieldMappingsAt("ptype", keyword(false))
	doc.AddFieldMappingsAt("pnamespace", keyword(false))
	doc.AddFieldMappingsAt("pname", keyword(false))
	doc.AddFieldMappingsAt("pversion", keyword(true))
	doc.AddFieldMappingsAt("qualifiers", keyword(false))
	doc.AddFieldMappingsAt("sha256", keyword(true))
	doc.AddFieldMappingsAt("license", keyword(true))
	doc.AddFieldMappingsAt("classifier", keyword(true))
	doc.AddFieldMappingsAt("description", text())
	doc.AddFieldMappingsAt("supplier", text())

	created := bleve.NewDateTimeFieldMapping()
	created.Store = true
	created.IncludeInAll = false
	doc.AddFieldMappingsAt("created", created)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	return im
}

func (c *Collection) Schema() *search.Schema {
	return &search.Schema{
		Qualifiers: map[string][]search.Field{
			"package": {
				{Name: "purl", Kind: search.KindExact},
				{Name: "name", Kind: search.KindExact},
			},
			"purl":        {{Name: "purl", Kind: search.KindExact}},
			"type":        {{Name: "ptype", Kind: search.KindExact}},
			"namespace":   {{Name: "pnamespace", Kind: search.KindExact}},
			"name":        {{Name: "name", Kind: search.KindExact}},
			"version":     {{Name: "pversion", Kind: search.KindExact}},
			"description": {{Name: "description", Kind: search.KindText}},
			"created":     {{Name: "created", Kind: search.KindDate}},
			"digest":      {{Name: "sha256", Kind: search.KindExact}},
			"license":     {{Name: "license", Kind: search.KindExact}},
			"supplier":    {{Name: "supplier", Kind: search.KindText}},
			"qualifier":   {{Name: "qualifiers", Kind: search.KindExact}},
			"dependency":  {{Name: "dependent", Kind: search.KindExact}},
		},
		Predicates: map[string]search.FieldValue{
			"application":      {Field: "classifier", Value: "application"},
			"library":          {Field: "classifier", Value: "library"},
			"framework":        {Field: "classifier", Value: "framework"},
			"container":        {Field: "classifier", Value: "container"},
			"operating-system": {Field: "classifier", Value: "operating-system"},
			"device":           {Field: "classifier", Value: "device"},
			"firmware":         {Field: "classifier", Value: "firmware"},
			"file":             {Field: "classifier", Value: "file"},
		},
		DefaultScope: []string{"package", "description"},
	}
}

// PackageHit is one package search result.
type PackageHit struct {
	ID          string          `json:"id"`
	Purl        string          `json:"purl,omitempty"`
	Name        string          `json:"name,omitempty"`
	Version     string          `json:"version,omitempty"`
	Dependent   string          `json:"dependent,omitempty"`
	Cpe         []string        `json:"cpe,omitempty"`
	Sha256      []string        `json:"sha256,omitempty"`
	License     []string        `json:"license,omitempty"`
	Supplier    string          `json:"supplier,omitempty"`
	Classifier  string          `json:"classifier,omitempty"`
	Description string          `json:"description,omitempty"`
	Snippet     string          `json:"snippet,omitempty"`
	Created     string          `json:"created,omitempty"`
	Score       float64         `json:"score,omitempty"`
	Explanation json.RawMessage `json:"explanation,omitempty"`
}

func (c *Collection) ProcessHit(hit *bsearch.DocumentMatch, opts index.SearchOptions) (any, error) {
	out := PackageHit{
		ID:          index.ParentKey(hit.ID),
		Purl:        index.FieldString(hit.Fields, "purl"),
		Name:        index.FieldString(hit.Fields, "name"),
		Version:     index.FieldString(hit.Fields, "pversion"),
		Dependent:   index.FieldString(hit.Fields, "dependent"),
		Cpe:         index.FieldStrings(hit.Fields, "cpe"),
		Sha256:      index.FieldStrings(hit.Fields, "sha256"),
		License:     index.FieldStrings(hit.Fields, "license"),
		Supplier:    index.FieldString(hit.Fields, "supplier"),
		Classifier:  index.FieldString(hit.Fields, "classifier"),
		Description: index.FieldString(hit.Fields, "description"),
		Created:     index.FieldString(hit.Fields, "created"),
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
