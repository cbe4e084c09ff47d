package sbom

import (
	"strings"
	"time"

	packageurl "github.com/package-url/packageurl-go"

	"github.com/seral-labs/harbinger/internal/index"
)

// mapCycloneDX flattens a CycloneDX BOM into one index document per
// component. The metadata component is the root of the tree: it is emitted
// without a dependent, and every listed component points back at its purl.
func mapCycloneDX(key string, bom *CycloneDX) []index.Document {
	var created time.Time
	var parent string
	var docs []index.Document
	if bom.Metadata != nil {
		if ts, err := time.Parse(time.RFC3339, bom.Metadata.Timestamp); err == nil {
			created = ts
		}
		if root := bom.Metadata.Component; root != nil {
			docs = append(docs, mapComponent(key, root, "", created))
			parent = root.Purl
		}
	}
	for i := range bom.Components {
		docs = append(docs, mapComponent(key, &bom.Components[i], parent, created))
	}
	return docs
}

func mapComponent(key string, c *Component, dependent string, created time.Time) index.Document {
	doc := index.Document{}
	doc.SetString("sbom_id", key)
	doc.SetString("dependent", dependent)
	doc.SetString("description", c.Description)
	doc.SetString("classifier", c.Type)
	for _, h := range c.Hashes {
		if h.Alg == "SHA-256" {
			doc.Append("sha256", h.Content)
		}
	}
	if c.Purl != "" {
		doc.Append("purl", c.Purl)
		addPurlFields(doc, c.Purl, true)
	}
	// Only named licenses are indexed; identifier-only entries and SPDX
	// expressions carry no free text to match on.
	for _, l := range c.Licenses {
		if l.License != nil && l.License.Name != "" {
			doc.Append("license", l.License.Name)
		}
	}
	if !created.IsZero() {
		doc["created"] = created
	}
	return doc
}

// mapSPDX flattens an SPDX document. The packages listed in documentDescribes
// stand for the product itself: their external reference locators become the
// dependents of everything else, and they are not indexed as packages of
// their own. Each remaining package is emitted once per dependent.
func mapSPDX(key string, bom *SPDX) []index.Document {
	described := make(map[string]bool, len(bom.DocumentDescribes))
	for _, id := range bom.DocumentDescribes {
		described[id] = true
	}
	var parents []string
	for i := range bom.Packages {
		if !described[bom.Packages[i].SPDXID] {
			continue
		}
		for _, ref := range bom.Packages[i].ExternalRefs {
			if ref.Locator != "" {
				parents = append(parents, ref.Locator)
			}
		}
	}

	var created time.Time
	if ts, err := time.Parse(time.RFC3339, bom.CreationInfo.Created); err == nil {
		created = ts
	}

	var docs []index.Document
	for i := range bom.Packages {
		pkg := &bom.Packages[i]
		if described[pkg.SPDXID] {
			continue
		}
		for _, parent := range parents {
			docs = append(docs, mapPackage(key, pkg, parent, created))
		}
	}
	return docs
}

func mapPackage(key string, pkg *Package, dependent string, created time.Time) index.Document {
	doc := index.Document{}
	doc.SetString("sbom_id", key)
	doc.SetString("dependent", dependent)
	doc.SetString("name", pkg.Name)
	doc.SetString("description", pkg.Summary)
	doc.SetString("supplier", pkg.Supplier)
	doc.SetString("license", pkg.LicenseDeclared)
	for _, ref := range pkg.ExternalRefs {
		switch {
		case strings.EqualFold(ref.Type, "cpe22type"):
			doc.Append("cpe", ref.Locator)
		case strings.EqualFold(ref.Type, "purl"):
			doc.Append("purl", ref.Locator)
			addPurlFields(doc, ref.Locator, false)
		}
	}
	for _, sum := range pkg.Checksums {
		if sum.Algorithm == "SHA256" {
			doc.Append("sha256", sum.Value)
		}
	}
	if !created.IsZero() {
		doc["created"] = created
	}
	return doc
}

// addPurlFields indexes the coordinates of a package URL alongside the raw
// string. Unparsable purls are kept verbatim only. CycloneDX components take
// their name from the purl; SPDX packages already carry one.
func addPurlFields(doc index.Document, raw string, nameFromPurl bool) {
	purl, err := packageurl.FromString(raw)
	if err != nil {
		return
	}
	doc.Append("ptype", purl.Type)
	doc.Append("pnamespace", purl.Namespace)
	doc.Append("pname", purl.Name)
	doc.Append("pversion", purl.Version)
	if nameFromPurl {
		doc.Append("name", purl.Name)
	}
	for _, q := range purl.Qualifiers {
		doc.Append("qualifiers", q.Value)
	}
}
