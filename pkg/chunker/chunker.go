// Package chunker splits text into overlapping windows.
package chunker

import "strings"

const (
	DefaultSize    = 1000
	DefaultOverlap = 200
)

// Split cuts text into windows of size runes, each starting size-overlap
// runes after the previous one, so neighbouring windows share overlap runes.
// Whitespace-only windows are dropped.
func Split(text string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if overlap < 0 {
		overlap = 0
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := min(start+size, len(runes))
		part := strings.TrimSpace(string(runes[start:end]))
		if part != "" {
			chunks = append(chunks, part)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
