package gtfs

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// The upstream feed shouts names in all caps with stray quotes; messages
// want Невский Проспект, not "НЕВСКИЙ ПРОСПЕКТ".
var titleCaser = cases.Title(language.Russian)

// FormatStopName normalizes a raw stop name for display.
func FormatStopName(raw string) string {
	name := strings.ReplaceAll(raw, `"`, "")
	return titleCaser.String(strings.ToUpper(name))
}

// FormatRouteName normalizes a raw route name for display. Route names are
// hyphenated endpoints; each side keeps its own title casing.
func FormatRouteName(raw string) string {
	name := strings.ReplaceAll(strings.ToUpper(raw), `"`, "")

	parts := strings.Split(name, "-")
	for i, part := range parts {
		parts[i] = titleCaser.String(part)
	}
	return strings.Join(parts, "-")
}

func toUpper(s string) string {
	return strings.ToUpper(s)
}
