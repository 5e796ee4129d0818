package mcpserver

import (
	"database/sql"
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
	s, err := store.NewFromDB(db)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNew_wiresRetrievalTools(t *testing.T) {
	st := newTestStore(t)
	srv := New(st, nil, "s1")
	if srv == nil {
		t.Fatal("New returned nil")
	}
	if srv.Tools == nil {
		t.Error("expected the server to wire a retrieval.Tools instance")
	}
	if srv.Tools.Store != st {
		t.Error("expected the retrieval tools to share the passed-in Store")
	}
}

func TestObjectSchema_marksRequiredFields(t *testing.T) {
	schema := objectSchema(nil, nil)
	if schema.Type != "object" {
		t.Errorf("expected an object schema, got %q", schema.Type)
	}
	if len(schema.Required) != 0 {
		t.Errorf("expected no required fields for a nil map, got %v", schema.Required)
	}
	schema = objectSchema(nil, []string{"id"})
	if len(schema.Required) != 1 || schema.Required[0] != "id" {
		t.Errorf("expected required fields [id], got %v", schema.Required)
	}
}
