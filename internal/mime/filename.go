package mime

import (
	"path/filepath"
	"strings"
)

const maxFilenameLen = 120

const fallbackFilename = "attachment"

// sanitizeFilename cleans an attachment filename for safe storage: control
// characters and null bytes are stripped, any directory component is
// discarded, dangerous characters are substituted, and the result is
// truncated to a fixed length preserving the extension.
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			// control characters, including NUL
		case r == '/' || r == '\\':
			b.WriteRune('_')
		case strings.ContainsRune(`<>:"|?*`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	name = strings.TrimSpace(b.String())
	name = strings.Trim(name, ".")
	if name == "" {
		return fallbackFilename
	}

	if len(name) <= maxFilenameLen {
		return name
	}

	ext := filepath.Ext(name)
	if len(ext) > 16 {
		ext = ""
	}
	base := name[:len(name)-len(ext)]
	keep := maxFilenameLen - len(ext)
	runes := []rune(base)
	for len(string(runes)) > keep {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + ext
}
