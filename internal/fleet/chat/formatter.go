package chat

import "regexp"

// Formatter translates the provider-neutral markdown assistant text emits
// into one chat platform's native formatting, and reports the platform's
// single-message character limit so StreamingResponder knows where to split.
type Formatter interface {
	Format(text string) string
	MaxMessageChars() int
}

var (
	boldPattern = regexp.MustCompile(`\*\*(.+?)\*\*`)
	linkPattern = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	codePattern = regexp.MustCompile("`([^`]+)`")
)

// SlackFormatter converts common markdown into Slack's mrkdwn dialect:
// **bold** -> *bold*, [text](url) -> <url|text>. Inline code spans pass
// through unchanged since Slack already uses single backticks.
type SlackFormatter struct {
	MaxChars int
}

// NewSlackFormatter returns a SlackFormatter that splits at maxChars, or the
// default 3000 (comfortably under Slack's ~4000 char message limit) if
// maxChars is zero.
func NewSlackFormatter(maxChars int) *SlackFormatter {
	if maxChars <= 0 {
		maxChars = 3000
	}
	return &SlackFormatter{MaxChars: maxChars}
}

func (f *SlackFormatter) Format(text string) string {
	text = linkPattern.ReplaceAllString(text, "<$2|$1>")
	text = boldPattern.ReplaceAllString(text, "*$1*")
	return text
}

func (f *SlackFormatter) MaxMessageChars() int {
	return f.MaxChars
}

// splitOnLimit breaks text into chunks no longer than limit runes, preferring
// to break on a newline boundary near the limit so a split never lands
// mid-sentence when it can be avoided. Always returns at least one chunk
// (possibly empty) so callers can post something even for empty input.
func splitOnLimit(text string, limit int) []string {
	if limit <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
		runes = trimLeadingNewline(runes)
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func trimLeadingNewline(runes []rune) []rune {
	if len(runes) > 0 && runes[0] == '\n' {
		return runes[1:]
	}
	return runes
}
