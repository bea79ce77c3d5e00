// Package parse turns downloaded filing artifacts into ordered, titled
// sections and plans the LLM work derived from them.
package parse

import (
	"regexp"
	"strings"
)

var (
	// itemHeading matches standard item headings like "Item 1A. Risk
	// Factors", in any letter case.
	itemHeading = regexp.MustCompile(`(?i)^\s*(Item\s+[0-9A-Za-z\.]+\s*[A-Za-z ]*)`)
	// capsHeading matches standalone all-caps headings of at least six
	// characters, like "RISK FACTORS".
	capsHeading = regexp.MustCompile(`^\s*([A-Z][A-Z0-9 &/,\-]{5,})\s*$`)
)

// RawSection is a sectionizer output before persistence: a title and its
// body, in document order.
type RawSection struct {
	Title string
	Body  string
}

// FallbackTitle is assigned when a document yields no recognizable headings
// and is kept whole as a single section.
const FallbackTitle = "Full Filing"

// Sectionize splits |text| at item and all-caps headings. Headings without
// body text are dropped. A document with no headings at all becomes one
// section titled FallbackTitle.
func Sectionize(text string) []RawSection {
	var lines = strings.Split(text, "\n")

	var sections []RawSection
	var title string
	var body []string
	var flush = func() {
		if title == "" {
			return
		}
		var content = strings.TrimSpace(strings.Join(body, "\n"))
		if content != "" {
			sections = append(sections, RawSection{Title: title, Body: content})
		}
		title, body = "", nil
	}

	var preamble []string
	for _, line := range lines {
		if heading := matchHeading(line); heading != "" {
			flush()
			title = heading
			continue
		}
		if title == "" {
			preamble = append(preamble, line)
		} else {
			body = append(body, line)
		}
	}
	flush()

	if len(sections) == 0 {
		var content = strings.TrimSpace(strings.Join(preamble, "\n"))
		if content == "" {
			content = strings.TrimSpace(text)
		}
		if content == "" {
			return nil
		}
		return []RawSection{{Title: FallbackTitle, Body: content}}
	}
	return sections
}

// matchHeading returns the sanitized heading of |line|, or "".
func matchHeading(line string) string {
	if m := itemHeading.FindStringSubmatch(line); m != nil {
		// The tail of the line past the matched heading is body text only
		// when the heading consumed the whole line; inline matches like
		// "Item 1.01 Entry into a Material Agreement." keep the match.
		return sanitizeTitle(m[1])
	}
	if m := capsHeading.FindStringSubmatch(line); m != nil {
		return sanitizeTitle(titleCase(m[1]))
	}
	return ""
}

// sanitizeTitle normalizes interior whitespace and trims punctuation tails.
func sanitizeTitle(title string) string {
	title = strings.Join(strings.Fields(title), " ")
	return strings.TrimRight(title, " .:")
}

// titleCase lowercases an all-caps heading and re-capitalizes each word.
func titleCase(s string) string {
	var words = strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
