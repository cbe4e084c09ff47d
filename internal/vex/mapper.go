package vex

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/seral-labs/harbinger/internal/index"
)

// ProductPackage identifies one product resolved through the product tree.
type ProductPackage struct {
	CPE  string `json:"cpe,omitempty"`
	Purl string `json:"purl,omitempty"`
}

// mapAdvisory flattens a CSAF advisory into one index document per
// vulnerability entry. Entries without a CVE id or without a description
// note are skipped: there is nothing for full text search to latch onto.
func mapAdvisory(key string, advisory *CSAF) []index.Document {
	status := advisory.Document.Tracking.Status
	var docs []index.Document
	for i := range advisory.Vulnerabilities {
		vuln := &advisory.Vulnerabilities[i]
		if vuln.CVE == "" {
			slog.Debug("skipping vulnerability entry without cve", "advisory", key)
			continue
		}
		description := firstDescription(vuln.Notes)
		if description == "" {
			slog.Debug("skipping vulnerability entry without description", "advisory", key, "cve", vuln.CVE)
			continue
		}

		doc := index.Document{}
		doc.SetString("id", key)
		doc.SetString("status", status)
		doc.SetString("cve", vuln.CVE)
		doc.SetString("title", vuln.Title)
		doc.SetString("description", description)

		severity, score := firstCVSS3(vuln.Scores)
		doc.SetString("severity", severity)
		doc["cvss"] = score

		doc.SetString("product_status", productStatusJSON(advisory, vuln.ProductStatus))

		if ts := advisory.Document.Tracking.InitialReleaseDate; !ts.IsZero() {
			doc["advisory_initial_date"] = ts
		}
		if ts := advisory.Document.Tracking.CurrentReleaseDate; !ts.IsZero() {
			doc["advisory_current_date"] = ts
		}
		if vuln.DiscoveryDate != nil {
			doc["cve_discovery_date"] = *vuln.DiscoveryDate
		}
		if vuln.ReleaseDate != nil {
			doc["cve_release_date"] = *vuln.ReleaseDate
		}
		docs = append(docs, doc)
	}
	return docs
}

func firstDescription(notes []Note) string {
	for _, note := range notes {
		if note.Category == "description" {
			return note.Text
		}
	}
	return ""
}

// firstCVSS3 returns the severity and base score of the first metric that
// carries a CVSS v3 object. Advisories scored by several vendors keep the
// first entry; unscored ones report an empty severity and a zero score.
func firstCVSS3(scores []Score) (string, float64) {
	for _, score := range scores {
		if score.CVSSV3 != nil {
			return strings.ToLower(score.CVSSV3.BaseSeverity), score.CVSSV3.BaseScore
		}
	}
	return "", 0
}

// productStatusJSON resolves the known affected and fixed product ids of one
// vulnerability through the product tree and serializes the result. The
// serialized form is both stored for hits and text-indexed so purls and cpes
// inside it are searchable.
func productStatusJSON(advisory *CSAF, status *ProductStatus) string {
	if status == nil {
		return ""
	}
	payload := struct {
		KnownAffected []ProductPackage `json:"known_affected"`
		Fixed         []ProductPackage `json:"fixed"`
	}{
		KnownAffected: resolveProducts(advisory, status.KnownAffected),
		Fixed:         resolveProducts(advisory, status.Fixed),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(data)
}

func resolveProducts(advisory *CSAF, ids []string) []ProductPackage {
	out := make([]ProductPackage, 0, len(ids))
	for _, id := range ids {
		if pp := findProductPackage(advisory, id); pp != nil {
			out = append(out, *pp)
		}
	}
	return out
}

// findProductPackage resolves a product id to its identification helper. The
// id names a relationship product; its product reference is then looked up
// in the branch tree by branch name.
func findProductPackage(advisory *CSAF, productID string) *ProductPackage {
	tree := advisory.ProductTree
	if tree == nil {
		return nil
	}
	ref := ""
	for i := range tree.Relationships {
		if tree.Relationships[i].FullProductName.ProductID == productID {
			ref = tree.Relationships[i].ProductReference
			break
		}
	}
	if ref == "" {
		return nil
	}
	return findIdentifier(tree.Branches, ref)
}

func findIdentifier(branches []Branch, ref string) *ProductPackage {
	for i := range branches {
		branch := &branches[i]
		if branch.Name == ref && branch.Product != nil && branch.Product.Helper != nil {
			return &ProductPackage{
				CPE:  branch.Product.Helper.CPE,
				Purl: branch.Product.Helper.Purl,
			}
		}
		if found := findIdentifier(branch.Branches, ref); found != nil {
			return found
		}
	}
	return nil
}
