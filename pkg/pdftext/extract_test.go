package pdftext

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// buildPDF assembles a single-page PDF with a correct cross-reference table.
func buildPDF(t *testing.T, content string) []byte {
	t.Helper()
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	}
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestExtractSinglePage(t *testing.T) {
	data := buildPDF(t, "BT /F1 12 Tf 72 712 Td (Hello) Tj ET")
	text, err := Extract(data)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !strings.Contains(text, "Hello") {
		t.Fatalf("expected extracted text to contain Hello, got %q", text)
	}
}

func TestExtractRejectsGarbage(t *testing.T) {
	for name, data := range map[string][]byte{
		"empty":     nil,
		"plaintext": []byte("this is not a pdf at all"),
		"truncated": []byte("%PDF-1.4\n1 0 obj\n<<"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Extract(data)
			if !errors.Is(err, ErrMalformedDocument) {
				t.Fatalf("expected ErrMalformedDocument, got %v", err)
			}
		})
	}
}

func TestNormalizeText(t *testing.T) {
	got := normalizeText("  Title\x00  here \n\n  second   line \n")
	want := "Title here\nsecond line"
	if got != want {
		t.Fatalf("normalizeText() = %q, want %q", got, want)
	}
}
