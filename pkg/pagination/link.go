package pagination

import "regexp"

var linkPattern = regexp.MustCompile(`<([^>]+)>;\s*rel="([^"]+)"`)

// ParseLinkHeader parses a Link header into relation -> URL. Every relation
// is kept; a repeated relation keeps its last URL.
func ParseLinkHeader(v string) map[string]string {
	links := make(map[string]string)
	for _, m := range linkPattern.FindAllStringSubmatch(v, -1) {
		links[m[2]] = m[1]
	}
	return links
}
