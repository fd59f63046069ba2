// Package identity canonicalizes the fields a row can be keyed by:
// file URLs, file names, and contract keys. Every function is total and
// deterministic; malformed input yields an empty string, never an error.
package identity

import (
	"net/url"
	"strings"
)

// blankForms are values treated as absent wherever a field is required.
var blankForms = map[string]struct{}{
	"":     {},
	"n/a":  {},
	"na":   {},
	"null": {},
	"none": {},
	"-":    {},
	"--":   {},
}

// headerLiterals are column-header strings that leak into data rows when an
// export repeats its header. A cell equal to one of these is never an identity.
var headerLiterals = map[string]struct{}{
	"file_name":     {},
	"file_url":      {},
	"contract_key":  {},
	"contract_id":   {},
	"record_id":     {},
	"document_type": {},
	"status":        {},
	"sheet":         {},
}

// Normalize trims surrounding whitespace. Empty input stays empty.
func Normalize(v string) string {
	return strings.TrimSpace(v)
}

// NormalizeCmp is the comparison form: lowercase of Normalize.
func NormalizeCmp(v string) string {
	return strings.ToLower(Normalize(v))
}

// IsBlank reports whether the comparison form is one of the blank spellings.
func IsBlank(v string) bool {
	_, ok := blankForms[NormalizeCmp(v)]
	return ok
}

// IsHeaderLike reports whether the value is a known header literal.
func IsHeaderLike(v string) bool {
	_, ok := headerLiterals[NormalizeCmp(v)]
	return ok
}

// SanitizeURL strips leading whitespace and slashes, then truncates at the
// first "//" that is not part of a scheme separator. Analysts paste comments
// after URLs ("https://x.pdf //check page 2"); the truncation removes them.
func SanitizeURL(raw string) string {
	s := strings.TrimLeft(strings.TrimSpace(raw), "/")
	for i := 0; i+1 < len(s); i++ {
		if s[i] != '/' || s[i+1] != '/' {
			continue
		}
		if i > 8 && (i == 0 || s[i-1] != ':') {
			return strings.TrimSpace(s[:i])
		}
	}
	return s
}

// SanitizeAnnotation truncates at any "//" not preceded by ":", at any
// position. Used for free-text fields where "//" always starts a comment.
func SanitizeAnnotation(raw string) string {
	s := strings.TrimSpace(raw)
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '/' && s[i+1] == '/' && (i == 0 || s[i-1] != ':') {
			return strings.TrimSpace(s[:i])
		}
	}
	return s
}

// StripAutoAnnotation removes a trailing "//[AUTO]..." marker appended by
// automated imports.
func StripAutoAnnotation(v string) string {
	s := Normalize(v)
	if idx := strings.Index(s, "//[AUTO]"); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return s
}

// CanonicalizeURL lowercases the scheme and host and drops the fragment.
// Path and query are preserved: stripping the query can merge distinct
// share links into one identity, which is the worse failure mode.
// Malformed input returns the empty string.
func CanonicalizeURL(raw string) string {
	s := SanitizeURL(raw)
	if s == "" {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	if u.Host == "" {
		// Not an absolute URL; fall back to the comparison form.
		return strings.ToLower(s)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return u.String()
}

// CanonicalizeName is the identity form of a file name or contract key.
func CanonicalizeName(v string) string {
	return NormalizeCmp(StripAutoAnnotation(v))
}
