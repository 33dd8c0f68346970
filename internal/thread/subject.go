// Package thread resolves inbound messages into their owning conversation
// threads.
package thread

import (
	"regexp"
	"strings"
)

// replyPrefixes matches a leading run of reply/forward markers, possibly
// repeated ("Re: Fwd: Re: ...").
var replyPrefixes = regexp.MustCompile(`(?i)^(\s*(re|fwd|fw|rep|tr|rép)\s*:\s*)+`)

// CanonicalizeSubject strips leading reply/forward prefixes and case-folds
// the subject for thread matching.
func CanonicalizeSubject(subject string) string {
	subject = replyPrefixes.ReplaceAllString(subject, "")
	return strings.ToLower(strings.TrimSpace(subject))
}
