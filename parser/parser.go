// Package parser extracts path tokens from robots.txt bodies.
package parser

import (
	"sort"
	"strings"
)

var directives = []string{"Allow:", "Disallow:", "Sitemap:"}

// ExtractURLs returns the distinct values of Allow, Disallow and Sitemap
// lines in content, sorted. Directive names are matched case-sensitively and
// the bare root "/" is dropped. Any input is accepted.
func ExtractURLs(content string) []string {
	seen := make(map[string]struct{})
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !hasDirective(line) {
			continue
		}
		_, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" || value == "/" {
			continue
		}
		seen[value] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for value := range seen {
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

func hasDirective(line string) bool {
	for _, prefix := range directives {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// Absolutize turns a root-relative path into an https URL on host. Anything
// else is returned as-is.
func Absolutize(host, token string) string {
	if strings.HasPrefix(token, "/") {
		return "https://" + host + token
	}
	return token
}
