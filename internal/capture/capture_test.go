package capture

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/batalabs/lcm/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	st, err := store.NewFromDB(db)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_appendsNewMessages(t *testing.T) {
	st := newTestStore(t)
	c := &Capture{Store: st}
	path := writeTranscript(t,
		`{"role":"user","content":"hello"}`,
		`{"role":"assistant","content":"hi there"}`,
	)

	result, err := c.Run(context.Background(), "sess-1", path)
	if err != nil {
		t.Fatal(err)
	}
	if result.Appended != 2 {
		t.Errorf("appended = %d, want 2", result.Appended)
	}

	max, err := st.MaxTranscriptOffset(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if max != 2 {
		t.Errorf("max offset = %d, want 2", max)
	}
}

func TestRun_isIdempotentOnRerun(t *testing.T) {
	st := newTestStore(t)
	c := &Capture{Store: st}
	path := writeTranscript(t, `{"role":"user","content":"hello"}`)

	if _, err := c.Run(context.Background(), "sess-1", path); err != nil {
		t.Fatal(err)
	}
	result, err := c.Run(context.Background(), "sess-1", path)
	if err != nil {
		t.Fatal(err)
	}
	if result.Appended != 0 {
		t.Errorf("second run appended = %d, want 0", result.Appended)
	}
}

func TestRun_resumesFromLastOffset(t *testing.T) {
	st := newTestStore(t)
	c := &Capture{Store: st}
	path := writeTranscript(t, `{"role":"user","content":"first"}`)
	if _, err := c.Run(context.Background(), "sess-1", path); err != nil {
		t.Fatal(err)
	}

	appendLine(t, path, `{"role":"assistant","content":"second"}`)
	result, err := c.Run(context.Background(), "sess-1", path)
	if err != nil {
		t.Fatal(err)
	}
	if result.Appended != 1 {
		t.Errorf("appended = %d, want 1", result.Appended)
	}
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatal(err)
	}
}

func TestRun_missingTranscriptIsNoop(t *testing.T) {
	st := newTestStore(t)
	c := &Capture{Store: st}
	result, err := c.Run(context.Background(), "sess-1", filepath.Join(t.TempDir(), "missing.jsonl"))
	if err != nil {
		t.Fatalf("missing transcript should not error: %v", err)
	}
	if result.Appended != 0 {
		t.Errorf("appended = %d, want 0", result.Appended)
	}
}

func TestRun_skipsMalformedLines(t *testing.T) {
	st := newTestStore(t)
	c := &Capture{Store: st}
	path := writeTranscript(t,
		`not json at all`,
		`{"role":"user","content":"valid"}`,
	)
	result, err := c.Run(context.Background(), "sess-1", path)
	if err != nil {
		t.Fatal(err)
	}
	if result.Appended != 1 {
		t.Errorf("appended = %d, want 1", result.Appended)
	}
}

func TestRun_divertsLargeToolResult(t *testing.T) {
	st := newTestStore(t)
	c := &Capture{Store: st}
	big := strings.Repeat("x", LargeBlobThreshold+1000)
	path := writeTranscript(t, `{"role":"tool_result","tool_name":"bash","tool_result":"`+big+`"}`)

	result, err := c.Run(context.Background(), "sess-1", path)
	if err != nil {
		t.Fatal(err)
	}
	if result.Diverted != 1 {
		t.Errorf("diverted = %d, want 1", result.Diverted)
	}

	msg, err := st.GetMessage(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msg.Content, "Large Tool Output Stored") {
		t.Errorf("expected diversion marker in content, got %q", msg.Content[:80])
	}
}

func TestNormalize_smallBodyStoredInline(t *testing.T) {
	c := &Capture{}
	msg, fileRef, err := c.normalize("sess-1", 1, transcriptRecord{Role: "user", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if fileRef != nil {
		t.Errorf("expected no file diversion for small body")
	}
	if msg.Content != "hi" {
		t.Errorf("content = %q", msg.Content)
	}
}

func TestDetectSignature(t *testing.T) {
	cases := map[string][]byte{
		"png": {0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a},
		"pdf": []byte("%PDF-1.4 rest of doc"),
		"zip": {'P', 'K', 0x03, 0x04},
	}
	for want, content := range cases {
		if got := detectSignature(content); got != want {
			t.Errorf("detectSignature(%v) = %q, want %q", content[:4], got, want)
		}
	}
	if got := detectSignature([]byte("plain text")); got != "" {
		t.Errorf("detectSignature(plain text) = %q, want empty", got)
	}
}

func TestLooksLikeText(t *testing.T) {
	if !looksLikeText([]byte("hello, this is plain text\nwith newlines\n")) {
		t.Error("plain text should look like text")
	}
	if looksLikeText([]byte{0x00, 0x01, 0x02, 0xff, 0xfe, 0x10, 0x11, 0x00, 0x00, 0x00}) {
		t.Error("binary bytes should not look like text")
	}
}

func TestStripHTML_keepsVisibleText(t *testing.T) {
	out := stripHTML(`<html><body><h1>Title</h1><p>Hello <b>world</b></p></body></html>`)
	if !strings.Contains(out, "Title") || !strings.Contains(out, "Hello") || !strings.Contains(out, "world") {
		t.Errorf("stripHTML lost visible text: %q", out)
	}
	if strings.Contains(out, "<") {
		t.Errorf("stripHTML left markup: %q", out)
	}
}
