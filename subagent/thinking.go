package subagent

import "strings"

const (
	thinkingOpen  = "[THINKING]"
	thinkingClose = "[/THINKING]"
)

// stripThinking removes every [THINKING]...[/THINKING] span from text, each
// span ending at the first close marker after its open marker (markers do
// not nest), and returns only the answer channel content. Used once the model's final turn is complete; mid-stream
// rendering of an still-open marker is an observer concern (spec.md's
// streamed reasoning/answer split), not something the Sub-Agent resolves.
func stripThinking(text string) string {
	var out strings.Builder
	rest := text
	for {
		start := strings.Index(rest, thinkingOpen)
		if start < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:start])
		rest = rest[start+len(thinkingOpen):]
		end := strings.Index(rest, thinkingClose)
		if end < 0 {
			// unclosed marker: the remainder is reasoning text, drop it.
			rest = ""
			break
		}
		rest = rest[end+len(thinkingClose):]
	}
	return strings.TrimSpace(out.String())
}
