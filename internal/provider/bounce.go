package provider

import (
	"regexp"
)

// BounceKind classifies a delivery failure message.
type BounceKind string

const (
	BounceHard      BounceKind = "hard"
	BounceSoft      BounceKind = "soft"
	BounceTransient BounceKind = "transient"
	BounceUnknown   BounceKind = "unknown"
)

var bouncePatterns = []struct {
	kind BounceKind
	re   *regexp.Regexp
}{
	{BounceHard, regexp.MustCompile(`(?i)user not found|mailbox not found|invalid recipient|address not found|does not exist|no such user|\b55[013]\b`)},
	{BounceSoft, regexp.MustCompile(`(?i)mailbox full|quota exceeded|temporarily unavailable|try again later|\b45[02]\b`)},
	{BounceTransient, regexp.MustCompile(`(?i)timeout|connection refused|temporary failure|\b421\b|\b451\b`)},
}

// ClassifyBounce maps a bounce or rejection message to a BounceKind.
// Hard patterns win over soft, soft over transient.
func ClassifyBounce(msg string) BounceKind {
	for _, p := range bouncePatterns {
		if p.re.MatchString(msg) {
			return p.kind
		}
	}
	return BounceUnknown
}
