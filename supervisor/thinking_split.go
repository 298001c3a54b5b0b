package supervisor

import "strings"

const (
	thinkingOpen  = "[THINKING]"
	thinkingClose = "[/THINKING]"
)

// splitter incrementally classifies streamed text deltas into the thinking
// channel and the answer channel, honoring [THINKING]/[/THINKING] markers
// even when a marker is split across two deltas. Unlike subagent.stripThinking
// (which operates once a turn is fully buffered), the Supervisor must make
// this split live so observers can render reasoning and answer separately
// while the model is still streaming (spec.md §4.1).
type splitter struct {
	pending        strings.Builder // a tail that might be a partial marker
	insideThinking bool
}

// Feed classifies delta against the splitter's carried state, returning the
// portion that belongs to the thinking channel and the portion that belongs
// to the answer channel.
func (s *splitter) Feed(delta string) (thinking string, answer string) {
	text := s.pending.String() + delta
	s.pending.Reset()

	var think, ans strings.Builder
	for {
		marker := thinkingClose
		if !s.insideThinking {
			marker = thinkingOpen
		}
		idx := strings.Index(text, marker)
		if idx < 0 {
			hold := overlapSuffixPrefix(text, marker)
			emit := text[:len(text)-hold]
			if s.insideThinking {
				think.WriteString(emit)
			} else {
				ans.WriteString(emit)
			}
			s.pending.WriteString(text[len(text)-hold:])
			break
		}
		if s.insideThinking {
			think.WriteString(text[:idx])
		} else {
			ans.WriteString(text[:idx])
		}
		text = text[idx+len(marker):]
		s.insideThinking = !s.insideThinking
	}
	return think.String(), ans.String()
}

// overlapSuffixPrefix returns the length of the longest suffix of s that is
// also a prefix of marker, so a marker split across two deltas is never
// emitted as ordinary channel text.
func overlapSuffixPrefix(s, marker string) int {
	max := len(marker) - 1
	if max > len(s) {
		max = len(s)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(s, marker[:k]) {
			return k
		}
	}
	return 0
}
