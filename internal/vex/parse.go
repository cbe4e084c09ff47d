// Package vex maps CSAF security advisories onto the vulnerability search
// collection. One advisory fans out into one index document per vulnerability
// entry that carries a CVE id and a description.
package vex

import (
	"encoding/json"
	"time"

	apperrors "github.com/seral-labs/harbinger/pkg/errors"
)

// CSAF is the subset of a CSAF 2.0 JSON advisory the mapper reads.
type CSAF struct {
	Document        AdvisoryDocument `json:"document"`
	ProductTree     *ProductTree     `json:"product_tree"`
	Vulnerabilities []Vulnerability  `json:"vulnerabilities"`
}

type AdvisoryDocument struct {
	Title    string   `json:"title"`
	Category string   `json:"category"`
	Tracking Tracking `json:"tracking"`
}

type Tracking struct {
	ID                 string    `json:"id"`
	Status             string    `json:"status"`
	InitialReleaseDate time.Time `json:"initial_release_date"`
	CurrentReleaseDate time.Time `json:"current_release_date"`
}

type Vulnerability struct {
	Title         string         `json:"title"`
	CVE           string         `json:"cve"`
	DiscoveryDate *time.Time     `json:"discovery_date"`
	ReleaseDate   *time.Time     `json:"release_date"`
	Notes         []Note         `json:"notes"`
	Scores        []Score        `json:"scores"`
	ProductStatus *ProductStatus `json:"product_status"`
}

type Note struct {
	Category string `json:"category"`
	Title    string `json:"title"`
	Text     string `json:"text"`
}

type Score struct {
	Products []string `json:"products"`
	CVSSV3   *CVSSV3  `json:"cvss_v3"`
}

type CVSSV3 struct {
	Version      string  `json:"version"`
	VectorString string  `json:"vectorString"`
	BaseScore    float64 `json:"baseScore"`
	BaseSeverity string  `json:"baseSeverity"`
}

type ProductStatus struct {
	KnownAffected []string `json:"known_affected"`
	Fixed         []string `json:"fixed"`
}

type ProductTree struct {
	Branches      []Branch       `json:"branches"`
	Relationships []Relationship `json:"relationships"`
}

type Branch struct {
	Name     string           `json:"name"`
	Category string           `json:"category"`
	Product  *FullProductName `json:"product"`
	Branches []Branch         `json:"branches"`
}

type FullProductName struct {
	Name      string                `json:"name"`
	ProductID string                `json:"product_id"`
	Helper    *IdentificationHelper `json:"product_identification_helper"`
}

type IdentificationHelper struct {
	CPE  string `json:"cpe"`
	Purl string `json:"purl"`
}

type Relationship struct {
	Category         string          `json:"category"`
	FullProductName  FullProductName `json:"full_product_name"`
	ProductReference string          `json:"product_reference"`
	RelatesTo        string          `json:"relates_to_product_reference"`
}

// Parse decodes a CSAF advisory. A payload that is not JSON or lacks a
// tracking id is permanently unrecognizable.
func Parse(data []byte) (*CSAF, error) {
	var doc CSAF
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.ErrUnrecognizedFormat
	}
	if doc.Document.Tracking.ID == "" {
		return nil, apperrors.ErrUnrecognizedFormat
	}
	return &doc, nil
}

// DeriveKey validates data as a CSAF advisory and returns its tracking id,
// the storage key advisories are filed under.
func DeriveKey(data []byte) (string, error) {
	doc, err := Parse(data)
	if err != nil {
		return "", err
	}
	return doc.Document.Tracking.ID, nil
}
