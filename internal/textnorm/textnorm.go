// Package textnorm is the single normalization authority for portal text.
// Every comparison in the system (alias matching, fingerprints, hint
// conditions, history dedupe) must go through Normalize; ad-hoc lowercasing
// elsewhere is a bug.
package textnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	stripMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	wsCollapse = regexp.MustCompile(`\s+`)
)

// Normalize applies the canonical pipeline: Unicode NFKD, strip combining
// marks, lower-case, collapse whitespace, trim. Idempotent.
func Normalize(s string) string {
	out, _, err := transform.String(stripMarks, s)
	if err != nil {
		// Transform only fails on malformed input; fall back to the raw
		// string so matching degrades instead of aborting.
		out = s
	}
	out = strings.ToLower(out)
	out = wsCollapse.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

// Fingerprint hashes the normalized identifying fields of a pending item.
// The field order is part of the on-disk contract: tipo|elemento|empresa.
func Fingerprint(fields ...string) string {
	h := sha256.New()
	for i, f := range fields {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(Normalize(f)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SHA256Hex returns the hex digest of raw bytes (file hashing, hint ids).
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ContainsNormalized reports whether needle appears in haystack after both
// sides are normalized. Empty needles never match.
func ContainsNormalized(haystack, needle string) bool {
	n := Normalize(needle)
	if n == "" {
		return false
	}
	return strings.Contains(Normalize(haystack), n)
}
