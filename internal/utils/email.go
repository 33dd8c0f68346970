package utils

import (
	"strings"
)

// GetDomainFromEmail extracts the domain part from an email address
func GetDomainFromEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return ""
	}
	return strings.ToLower(parts[1])
}

// StripAngleBrackets removes a single pair of surrounding angle brackets
// from a Message-ID style token.
func StripAngleBrackets(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}

// ExtractMessageIDs pulls every bracket-delimited token out of a References
// style header value, in order of appearance.
func ExtractMessageIDs(value string) []string {
	var ids []string
	for {
		start := strings.IndexByte(value, '<')
		if start < 0 {
			break
		}
		end := strings.IndexByte(value[start:], '>')
		if end < 0 {
			break
		}
		if id := value[start+1 : start+end]; id != "" {
			ids = append(ids, id)
		}
		value = value[start+end+1:]
	}
	return ids
}

// Truncate shortens s to at most max runes.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
