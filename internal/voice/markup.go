package voice

import (
	"regexp"
	"strings"
)

// Styling spans are removed wholesale rather than unwrapped: reading the
// contents of a code block or spoiler aloud is worse than skipping it, and
// partially voiced markup is the thing this stage exists to avoid.
// Unpaired markers are left alone.
var markupSpans = []*regexp.Regexp{
	regexp.MustCompile("(?s)```.*?```"),   // fenced code block
	regexp.MustCompile("`[^`\n]*`"),       // inline code
	regexp.MustCompile(`\|\|[^|]+\|\|`),   // spoiler
	regexp.MustCompile(`\*\*\*[^*]+\*\*\*`),
	regexp.MustCompile(`\*\*[^*]+\*\*`),
	regexp.MustCompile(`\*[^*\n]+\*`),
	regexp.MustCompile(`__[^_]+__`),
	regexp.MustCompile(`_[^_\n]+_`),
	regexp.MustCompile(`~~[^~]+~~`),
}

var spaceRun = regexp.MustCompile(`[ \t]{2,}`)
var blankRun = regexp.MustCompile(`\n{3,}`)

// StripMarkup removes styled spans from text so the synthesizer never reads
// markup aloud. The result is trimmed and has collapsed whitespace.
func StripMarkup(text string) string {
	for _, re := range markupSpans {
		text = re.ReplaceAllString(text, " ")
	}
	text = spaceRun.ReplaceAllString(text, " ")
	text = blankRun.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
