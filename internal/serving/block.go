package serving

import (
	"regexp"
	"strings"
)

// BeginMarker opens the managed block for app.
func BeginMarker(app string) string {
	return "# BEGIN siteops:" + app
}

// EndMarker closes the managed block for app.
func EndMarker(app string) string {
	return "# END siteops:" + app
}

const blockIndent = "    "

// wrapBlock surrounds body with the markers for app.
func wrapBlock(app, body string) string {
	var b strings.Builder
	b.WriteString(blockIndent + BeginMarker(app) + "\n")
	b.WriteString(strings.TrimRight(body, "\n") + "\n")
	b.WriteString(blockIndent + EndMarker(app) + "\n")
	return b.String()
}

func isMarkerLine(line, marker string) bool {
	return strings.TrimSpace(line) == marker
}

// CountMarkers returns how many managed blocks for app conf contains.
func CountMarkers(conf, app string) int {
	begin := BeginMarker(app)
	n := 0
	for _, line := range strings.Split(conf, "\n") {
		if isMarkerLine(line, begin) {
			n++
		}
	}
	return n
}

// HasBlock reports whether conf contains a managed block for app.
func HasBlock(conf, app string) bool {
	return CountMarkers(conf, app) > 0
}

// RemoveBlock deletes every managed block for app. An unterminated block
// is removed through the end of the file.
func RemoveBlock(conf, app string) string {
	begin, end := BeginMarker(app), EndMarker(app)
	lines := strings.SplitAfter(conf, "\n")
	var b strings.Builder
	inside := false
	for _, line := range lines {
		switch {
		case !inside && isMarkerLine(line, begin):
			inside = true
		case inside && isMarkerLine(line, end):
			inside = false
		case !inside:
			b.WriteString(line)
		}
	}
	return b.String()
}

var httpOpen = regexp.MustCompile(`(?m)^[ \t]*http[ \t]*\{`)

// InsertBlock places block just before the closing brace of the http
// context. Without an http context it goes before the last closing brace,
// and without any brace it is appended.
func InsertBlock(conf, block string) string {
	pos := -1
	if loc := httpOpen.FindStringIndex(conf); loc != nil {
		pos = matchingBrace(conf, loc[1]-1)
	}
	if pos < 0 {
		pos = strings.LastIndex(conf, "}")
	}
	if pos < 0 {
		if conf != "" && !strings.HasSuffix(conf, "\n") {
			conf += "\n"
		}
		return conf + block
	}

	// Insert at the start of the brace's line so indentation is kept.
	lineStart := strings.LastIndex(conf[:pos], "\n") + 1
	if strings.TrimSpace(conf[lineStart:pos]) != "" {
		// Brace shares a line with other text; break the line.
		return conf[:pos] + "\n" + block + conf[pos:]
	}
	return conf[:lineStart] + block + conf[lineStart:]
}

// matchingBrace returns the index of the brace closing the one at open,
// skipping comments and quoted strings, or -1.
func matchingBrace(conf string, open int) int {
	depth := 0
	var quote byte
	for i := open; i < len(conf); i++ {
		c := conf[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '#':
			for i < len(conf) && conf[i] != '\n' {
				i++
			}
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
