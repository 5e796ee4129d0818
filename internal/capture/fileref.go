package capture

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
	"golang.org/x/net/html"
)

// snippetChars bounds how much extracted structured text is kept as a file
// reference's snippet (spec §3 "File reference" snippet field).
const snippetChars = 2000

// magic signatures for the binary formats capture recognizes by sniffing the
// leading bytes, rather than trusting a file extension the transcript may
// not even provide.
var magicSignatures = []struct {
	name string
	sig  []byte
}{
	{"elf", []byte{0x7f, 'E', 'L', 'F'}},
	{"png", []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}},
	{"jpeg", []byte{0xff, 0xd8, 0xff}},
	{"gzip", []byte{0x1f, 0x8b}},
	{"zip", []byte{'P', 'K', 0x03, 0x04}}, // also covers docx/xlsx (zip containers)
	{"pdf", []byte("%PDF-")},
	{"pe", []byte{'M', 'Z'}},
	{"javaclass", []byte{0xca, 0xfe, 0xba, 0xbe}},
	{"wasm", []byte{0x00, 'a', 's', 'm'}},
	{"rar", []byte{'R', 'a', 'r', '!', 0x1a, 0x07}},
}

// detectSignature returns the name of the recognized binary format, or ""
// if none of the known magic sequences match.
func detectSignature(content []byte) string {
	for _, m := range magicSignatures {
		if bytes.HasPrefix(content, m.sig) {
			return m.name
		}
	}
	return ""
}

// looksLikeText applies an 80%-printable-ratio heuristic over the first 512
// bytes, the same threshold crush's explorer uses to decide whether a blob
// is worth indexing as prose versus treating as opaque binary.
func looksLikeText(content []byte) bool {
	n := len(content)
	if n == 0 {
		return true
	}
	if n > 512 {
		content = content[:512]
		n = 512
	}
	printable := 0
	for _, b := range content {
		if b == '\n' || b == '\r' || b == '\t' || (b >= 0x20 && b < 0x7f) {
			printable++
		}
	}
	return float64(printable)/float64(n) >= 0.8
}

// extractSnippet produces the best-effort human-readable preview stored
// alongside a diverted file reference: structured extraction for the
// formats capture recognizes, HTML-stripped text for markup, a truncated
// text preview for plain text, and an opaque placeholder for unrecognized
// binary content.
func extractSnippet(path string, content []byte) string {
	switch detectSignature(content) {
	case "pdf":
		if s, err := extractPDFSnippet(content); err == nil {
			return truncateChars(s, snippetChars)
		}
	case "zip":
		lower := strings.ToLower(path)
		if strings.HasSuffix(lower, ".docx") {
			if s, err := extractDocxSnippet(content); err == nil {
				return truncateChars(s, snippetChars)
			}
		}
		if strings.HasSuffix(lower, ".xlsx") {
			if s, err := extractXlsxSnippet(content); err == nil {
				return truncateChars(s, snippetChars)
			}
		}
		return fmt.Sprintf("[binary zip-container content, %d bytes]", len(content))
	case "":
		if looksLikeText(content) {
			text := string(content)
			if looksLikeHTMLBytes(content) {
				text = stripHTML(text)
			}
			return truncateChars(text, snippetChars)
		}
	}
	if sig := detectSignature(content); sig != "" {
		return fmt.Sprintf("[binary %s content, %d bytes]", sig, len(content))
	}
	return fmt.Sprintf("[binary content, %d bytes]", len(content))
}

func looksLikeHTMLBytes(content []byte) bool {
	trimmed := bytes.TrimSpace(content)
	return bytes.HasPrefix(trimmed, []byte("<!DOCTYPE")) || bytes.HasPrefix(trimmed, []byte("<html"))
}

// stripHTML reduces an HTML document to its visible text, grounded in the
// domain stack's golang.org/x/net/html tokenizer rather than a regex strip.
func stripHTML(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var sb strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(sb.String()), " ")
		case html.TextToken:
			sb.Write(z.Text())
			sb.WriteByte(' ')
		}
	}
}

// extractPDFSnippet pulls the plain text of a PDF's pages, stopping once
// enough text has been gathered for a snippet.
func extractPDFSnippet(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for i := 1; i <= r.NumPage() && sb.Len() < snippetChars; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(text)
	}
	return sb.String(), nil
}

// extractDocxSnippet pulls the document body text of a .docx file.
func extractDocxSnippet(content []byte) (string, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}
	defer r.Close()
	return r.Editable().GetContent(), nil
}

// extractXlsxSnippet renders the first sheet's cells as a flat text preview.
func extractXlsxSnippet(content []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return "", err
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return "", nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, row := range rows {
		sb.WriteString(strings.Join(row, "\t"))
		sb.WriteByte('\n')
		if sb.Len() >= snippetChars {
			break
		}
	}
	return sb.String(), nil
}
