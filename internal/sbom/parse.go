// Package sbom maps software bills of materials onto the package search
// collection. CycloneDX and SPDX JSON are supported; which one a payload is
// gets sniffed at parse time.
package sbom

import (
	"encoding/json"
	"fmt"
	"strings"

	packageurl "github.com/package-url/packageurl-go"

	apperrors "github.com/seral-labs/harbinger/pkg/errors"
)

// CycloneDX is the subset of a CycloneDX 1.x JSON BOM the mapper reads.
type CycloneDX struct {
	BOMFormat   string      `json:"bomFormat"`
	SpecVersion string      `json:"specVersion"`
	Metadata    *Metadata   `json:"metadata"`
	Components  []Component `json:"components"`
}

type Metadata struct {
	Timestamp string     `json:"timestamp"`
	Component *Component `json:"component"`
}

type Component struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Version     string          `json:"version"`
	Purl        string          `json:"purl"`
	Description string          `json:"description"`
	Hashes      []Hash          `json:"hashes"`
	Licenses    []LicenseChoice `json:"licenses"`
}

type Hash struct {
	Alg     string `json:"alg"`
	Content string `json:"content"`
}

// LicenseChoice is either a license object or an SPDX expression.
type LicenseChoice struct {
	License    *License `json:"license"`
	Expression string   `json:"expression"`
}

type License struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SPDX is the subset of an SPDX 2.x JSON document the mapper reads.
type SPDX struct {
	SPDXID            string       `json:"SPDXID"`
	SpdxVersion       string       `json:"spdxVersion"`
	Name              string       `json:"name"`
	CreationInfo      CreationInfo `json:"creationInfo"`
	DocumentDescribes []string     `json:"documentDescribes"`
	Packages          []Package    `json:"packages"`
}

type CreationInfo struct {
	Created string `json:"created"`
}

type Package struct {
	SPDXID          string        `json:"SPDXID"`
	Name            string        `json:"name"`
	VersionInfo     string        `json:"versionInfo"`
	Summary         string        `json:"summary"`
	Supplier        string        `json:"supplier"`
	LicenseDeclared string        `json:"licenseDeclared"`
	Checksums       []Checksum    `json:"checksums"`
	ExternalRefs    []ExternalRef `json:"externalRefs"`
}

type Checksum struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"checksumValue"`
}

type ExternalRef struct {
	Category string `json:"referenceCategory"`
	Type     string `json:"referenceType"`
	Locator  string `json:"referenceLocator"`
}

// SBOM is a parsed bill of materials; exactly one of the two formats is set.
type SBOM struct {
	CycloneDX *CycloneDX
	SPDX      *SPDX
}

// Parse sniffs the payload format, trying CycloneDX before SPDX. A payload
// matching neither is permanently unrecognizable.
func Parse(data []byte) (*SBOM, error) {
	var cdx CycloneDX
	if err := json.Unmarshal(data, &cdx); err == nil && cdx.BOMFormat == "CycloneDX" {
		return &SBOM{CycloneDX: &cdx}, nil
	}
	var doc SPDX
	if err := json.Unmarshal(data, &doc); err == nil &&
		(doc.SPDXID == "SPDXRef-DOCUMENT" || strings.HasPrefix(doc.SpdxVersion, "SPDX-")) {
		return &SBOM{SPDX: &doc}, nil
	}
	return nil, apperrors.ErrUnrecognizedFormat
}

// DeriveKey validates data as an SBOM and derives the storage key to file it
// under: the root component purl for CycloneDX, the document name for SPDX.
// A valid document without a derivable key returns "", letting the caller
// require an explicit identifier instead.
func DeriveKey(data []byte) (string, error) {
	s, err := Parse(data)
	if err != nil {
		return "", err
	}
	switch {
	case s.CycloneDX != nil:
		m := s.CycloneDX.Metadata
		if m == nil || m.Component == nil || m.Component.Purl == "" {
			return "", nil
		}
		if _, err := packageurl.FromString(m.Component.Purl); err != nil {
			return "", fmt.Errorf("parsing root component purl: %w", err)
		}
		return m.Component.Purl, nil
	case s.SPDX != nil:
		return s.SPDX.Name, nil
	}
	return "", nil
}
