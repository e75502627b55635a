// Package dedup computes lead fingerprints and routes incoming leads to
// the insert or update path.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var (
	spaceRe = regexp.MustCompile(`\s+`)
	emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(email)))
}

// NormalizeName trims and collapses internal whitespace.
func NormalizeName(s string) string {
	return spaceRe.ReplaceAllString(strings.TrimSpace(norm.NFC.String(s)), " ")
}

// NormalizeDomain lowercases and trims a domain.
func NormalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

// ValidEmail reports whether email looks deliverable.
func ValidEmail(email string) bool {
	return emailRe.MatchString(email)
}

// Fingerprint returns a stable identity key for a lead. Inputs are
// normalized first, and name and organization are case-folded, so rows
// that differ only in case or whitespace share a fingerprint.
func Fingerprint(email, fullName, organization, domain string) string {
	parts := []string{
		NormalizeEmail(email),
		fold(NormalizeName(fullName)),
		fold(NormalizeName(organization)),
		NormalizeDomain(domain),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// fold case-folds s. Casers are stateful, so each call gets its own.
func fold(s string) string {
	return cases.Fold().String(s)
}
