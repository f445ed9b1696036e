package lookup

import (
	"strings"
	"time"
)

// expiryKeys are the WHOIS field names that carry an expiry date
var expiryKeys = map[string]bool{
	"registry expiry date":                   true,
	"registrar registration expiration date": true,
	"expiration date":                        true,
	"expiry date":                            true,
	"expiration time":                        true,
	"expires":                                true,
	"expires on":                             true,
	"expire":                                 true,
	"paid-till":                              true,
	"renewal date":                           true,
	"domain expiration date":                 true,
}

var dateLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05.0Z",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05 MST",
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"02-Jan-2006",
	"02-Jan-2006 15:04:05",
	"02.01.2006",
	"Jan 02, 2006",
	"January 2 2006",
	"January 02 2006",
}

var notFoundMarkers = []string{
	"no match for",
	"domain not found",
	"no data found",
	"no entries found",
	"not found:",
	"status: free",
	"status: available",
	"is available for registration",
}

// IsWhoisNotFound reports whether a WHOIS body says the domain is not registered
func IsWhoisNotFound(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range notFoundMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// ParseDate accepts the date formats registries commonly use
func ParseDate(value string) (time.Time, bool) {
	cleaned := strings.Join(strings.Fields(strings.Trim(strings.TrimSpace(value), ":")), " ")
	if cleaned == "" {
		return time.Time{}, false
	}
	candidates := []string{cleaned}
	if first, _, ok := strings.Cut(cleaned, " "); ok {
		candidates = append(candidates, first)
	}
	for _, c := range candidates {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, c); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// ExtractExpiry returns every parseable expiry date in a WHOIS body, in order of appearance.
// found reports whether any expiry field was present at all, so callers can tell a registry
// that publishes no date apart from one whose date is garbled.
func ExtractExpiry(text string) (dates []time.Time, found bool) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "notice:") ||
			strings.HasPrefix(lower, ">>>") ||
			strings.Contains(lower, "terms of use") ||
			strings.Contains(lower, "disclaimer") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || !expiryKeys[strings.ToLower(strings.TrimSpace(key))] {
			continue
		}
		found = true
		if t, ok := ParseDate(value); ok {
			dates = append(dates, t)
		}
	}
	return dates, found
}
