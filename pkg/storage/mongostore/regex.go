package mongostore

import "strings"

// splitInlineFlags moves a leading Go-style flag group such as "(?i)" into
// MongoDB regex options. Only flags MongoDB understands are carried over.
func splitInlineFlags(pattern string) (string, string) {
	if !strings.HasPrefix(pattern, "(?") {
		return pattern, ""
	}
	end := strings.IndexByte(pattern, ')')
	if end < 0 {
		return pattern, ""
	}
	flags := pattern[2:end]
	if strings.ContainsAny(flags, ":-") {
		// A non-capturing group or negated flags, not a flag prefix.
		return pattern, ""
	}
	var opts strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			opts.WriteRune(f)
		default:
			return pattern, ""
		}
	}
	return pattern[end+1:], opts.String()
}
