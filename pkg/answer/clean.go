package answer

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Labels that open a meta-commentary block. A block runs until the next
// answer label or the end of the text.
var thinkingLabels = []string{"thinking:", "réflexion:", "reasoning:", "analysis:"}

var answerLabels = []string{"answer:", "réponse:"}

var (
	thinkingBlocks = compileThinkingBlocks()
	leadingAnswer  = regexp.MustCompile(`(?i)(^|\n)(réponse:|answer:)`)
	thinkingLabel  = regexp.MustCompile(`(?i)` + alternation(thinkingLabels))
	answerLabel    = regexp.MustCompile(`(?i)` + alternation(answerLabels))
	// longest label in runes, used to bound the streaming look-ahead
	maxLabelRunes = longestLabel()
)

func compileThinkingBlocks() []*regexp.Regexp {
	res := make([]*regexp.Regexp, 0, len(thinkingLabels))
	for _, label := range thinkingLabels {
		res = append(res, regexp.MustCompile(`(?is)(`+regexp.QuoteMeta(label)+`.*?)(answer:|réponse:|$)`))
	}
	return res
}

func alternation(labels []string) string {
	quoted := make([]string, len(labels))
	for i, l := range labels {
		quoted[i] = regexp.QuoteMeta(l)
	}
	return strings.Join(quoted, "|")
}

func longestLabel() int {
	n := 0
	for _, l := range append(append([]string{}, thinkingLabels...), answerLabels...) {
		n = max(n, utf8.RuneCountInString(l))
	}
	return n
}

// Clean strips meta-commentary blocks and answer labels from model output
// and trims surrounding whitespace.
func Clean(text string) string {
	return strings.TrimSpace(stripLabels(text))
}

func stripLabels(text string) string {
	for _, re := range thinkingBlocks {
		text = re.ReplaceAllString(text, "${2}")
	}
	return leadingAnswer.ReplaceAllString(text, "")
}

// StreamCleaner applies Clean to a text that arrives in fragments. Text
// outside a meta-commentary block is released as soon as it cannot turn into
// a label, and trailing whitespace is held back, so the concatenation of
// everything emitted equals Clean of the whole text. Only the unresolved tail
// is buffered; a block is discarded as it streams in.
//
// A StreamCleaner is not safe for concurrent use.
type StreamCleaner struct {
	tail    string
	inBlock bool
	// last rune of the block-stripped text already consumed
	prev    string
	started bool
	held    string
	emitted strings.Builder
}

// Push adds a fragment and returns the newly releasable cleaned text, which
// may be empty.
func (s *StreamCleaner) Push(fragment string) string {
	s.tail += fragment
	return s.drain(false)
}

// Flush returns whatever is still held back once the stream has ended.
func (s *StreamCleaner) Flush() string {
	out := s.drain(true)
	s.held = ""
	return out
}

// Text returns everything emitted so far.
func (s *StreamCleaner) Text() string {
	return s.emitted.String()
}

func (s *StreamCleaner) drain(final bool) string {
	var out strings.Builder
	for {
		if s.inBlock {
			loc := answerLabel.FindStringIndex(s.tail)
			if loc == nil {
				if final {
					s.tail = ""
				} else {
					s.tail = s.tail[keepRunes(s.tail, maxLabelRunes):]
				}
				return out.String()
			}
			// the answer label survives the block and is handled as plain text
			s.tail = s.tail[loc[0]:]
			s.inBlock = false
			continue
		}
		if loc := thinkingLabel.FindStringIndex(s.tail); loc != nil {
			out.WriteString(s.commit(s.tail[:loc[0]]))
			s.tail = s.tail[loc[1]:]
			s.inBlock = true
			continue
		}
		cut := len(s.tail)
		if !final {
			cut = labelPrefixStart(s.tail)
		}
		out.WriteString(s.commit(s.tail[:cut]))
		s.tail = s.tail[cut:]
		return out.String()
	}
}

// commit strips answer labels from text that can no longer change and
// releases it, keeping trailing whitespace back.
func (s *StreamCleaner) commit(text string) string {
	if text == "" {
		return ""
	}
	stripped := leadingAnswer.ReplaceAllString(s.prev+text, "")
	if rest, ok := strings.CutPrefix(stripped, s.prev); ok {
		stripped = rest
	} else if s.started {
		// the newline before the label was already held
		s.held = strings.TrimSuffix(s.held, "\n")
	}
	_, size := utf8.DecodeLastRuneInString(text)
	s.prev = text[len(text)-size:]

	if !s.started {
		stripped = strings.TrimLeftFunc(stripped, unicode.IsSpace)
		if stripped == "" {
			return ""
		}
		s.started = true
	}
	body := strings.TrimRightFunc(stripped, unicode.IsSpace)
	if body == "" {
		s.held += stripped
		return ""
	}
	out := s.held + body
	s.held = stripped[len(body):]
	s.emitted.WriteString(out)
	return out
}

// keepRunes returns the offset of the last n runes of text.
func keepRunes(text string, n int) int {
	i := len(text)
	for ; i > 0 && n > 0; n-- {
		_, size := utf8.DecodeLastRuneInString(text[:i])
		i -= size
	}
	return i
}

// labelPrefixStart finds the earliest rune offset whose suffix is a
// case-insensitive proper prefix of some label.
func labelPrefixStart(text string) int {
	start := len(text)
	for i, runes := len(text), 0; i > 0 && runes < maxLabelRunes; runes++ {
		_, size := utf8.DecodeLastRuneInString(text[:i])
		i -= size
		if isLabelPrefix(strings.ToLower(text[i:])) {
			start = i
		}
	}
	return start
}

func isLabelPrefix(s string) bool {
	for _, label := range append(thinkingLabels[:len(thinkingLabels):len(thinkingLabels)], answerLabels...) {
		if len(s) < len(label) && strings.HasPrefix(label, s) {
			return true
		}
	}
	return false
}
