// Package pdftext extracts plain text from PDF bytes.
package pdftext

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrMalformedDocument is returned when the bytes cannot be parsed as a PDF.
var ErrMalformedDocument = errors.New("malformed pdf document")

// Extract returns the text of every page joined by "\n". A page that fails
// to decode or has no text contributes an empty string.
func Extract(data []byte) (text string, err error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty input", ErrMalformedDocument)
	}
	// The pdf package panics on some corrupt cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("%w: %v", ErrMalformedDocument, r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	total := reader.NumPage()
	pages := make([]string, 0, total)
	for i := 1; i <= total; i++ {
		pages = append(pages, pageText(reader.Page(i)))
	}
	return strings.Join(pages, "\n"), nil
}

func pageText(page pdf.Page) (text string) {
	defer func() {
		if recover() != nil {
			text = ""
		}
	}()
	if page.V.IsNull() {
		return ""
	}
	raw, err := page.GetPlainText(nil)
	if err != nil {
		return ""
	}
	return normalizeText(raw)
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
