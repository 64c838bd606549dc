package evidence

import "regexp"

// Redaction patterns for artifacts that may embed page content: Spanish
// DNI/NIE numbers, email addresses, and password/token-bearing fields.
var (
	reRedactDNI   = regexp.MustCompile(`\b[0-9XYZxyz]\d{7}[A-Za-z]\b`)
	reRedactEmail = regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.-]+\b`)
	reRedactField = regexp.MustCompile(`(?i)("(?:password|passwd|pwd|token|secret|authorization|api_key)"\s*:\s*)"[^"]*"`)
	reRedactInput = regexp.MustCompile(`(?i)(type=["']password["'][^>]*value=["'])[^"']*(["'])`)
)

// Redact scrubs sensitive values from HTML/DOM/form content.
func Redact(content []byte) []byte {
	out := reRedactDNI.ReplaceAll(content, []byte("[REDACTED_DNI]"))
	out = reRedactEmail.ReplaceAll(out, []byte("[REDACTED_EMAIL]"))
	out = reRedactField.ReplaceAll(out, []byte(`$1"[REDACTED]"`))
	out = reRedactInput.ReplaceAll(out, []byte(`$1[REDACTED]$2`))
	return out
}
