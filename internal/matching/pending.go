// Package matching resolves portal pending requirements against the local
// document repository. The engine is deterministic and side-effect-free:
// given the same pending item, repository state, rules, hints and history it
// always produces the same decision and debug report.
package matching

import (
	"regexp"
	"strings"

	"caebridge/internal/textnorm"
)

// PendingRequirement is one row scraped from a portal pending grid.
type PendingRequirement struct {
	TipoDoc   string            `json:"tipo_doc"`
	Elemento  string            `json:"elemento"`
	Empresa   string            `json:"empresa"`
	PeriodKey string            `json:"period_key,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// ItemKey is the stable composite identity of the pending row.
func (p PendingRequirement) ItemKey() string {
	return strings.Join([]string{
		textnorm.Normalize(p.TipoDoc),
		textnorm.Normalize(p.Elemento),
		textnorm.Normalize(p.Empresa),
	}, "|")
}

// ItemFingerprint hashes the item identity for hint lookup.
func (p PendingRequirement) ItemFingerprint() string {
	return textnorm.Fingerprint(p.TipoDoc, p.Elemento, p.Empresa)
}

// Fingerprint is the dedupe fingerprint used against submission history. It
// includes platform and period so the same document required in two periods
// stays distinguishable.
func (p PendingRequirement) Fingerprint(platformKey, periodKey string) string {
	return textnorm.Fingerprint(platformKey, p.TipoDoc, p.Elemento, p.Empresa, periodKey)
}

var (
	// Leading portal type codes such as "T205.0" or "T104".
	reLeadingCode = regexp.MustCompile(`^([a-z]\d{2,4}(?:\.\d+)?)\b`)
	reDNI         = regexp.MustCompile(`\b(\d{8})\s*-?\s*([a-z])\b`)
)

// DetectCode extracts the portal type code at the start of normalized text.
func DetectCode(normalized string) string {
	m := reLeadingCode.FindStringSubmatch(normalized)
	if m == nil {
		return ""
	}
	return m[1]
}

// DetectDNI extracts a Spanish DNI (8 digits + control letter) from
// normalized text, returned without separators.
func DetectDNI(normalized string) string {
	m := reDNI.FindStringSubmatch(normalized)
	if m == nil {
		return ""
	}
	return m[1] + m[2]
}
