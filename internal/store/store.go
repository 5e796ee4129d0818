// Package store is the durable append-only message log, summary DAG, and
// file-reference table component (spec §4.A). It is the only component
// that writes to the database file; every other package reaches the
// database exclusively through a *Store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/batalabs/lcm/internal/domain"
)

const schemaVersion = 1

// Store wraps the single embedded database file. All writes go through a
// single *sql.DB with WAL enabled; the underlying engine's single-writer
// transaction guarantee is what the spec leans on for "a failed transaction
// leaves on-disk state unchanged" (§4.A).
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if necessary) the database at path with WAL mode
// and foreign keys enabled, and runs migrations.
func OpenStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single connection avoids SQLITE_BUSY across goroutines
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating store: %w", err)
	}
	return s, nil
}

// NewFromDB wraps an already-open *sql.DB (tests use an in-memory database)
// and runs migrations.
func NewFromDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrating store: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			token_estimate INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			transcript_offset INTEGER NOT NULL,
			summarized_by INTEGER,
			UNIQUE(session_id, transcript_offset)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_offset ON messages(session_id, transcript_offset)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_summarized_by ON messages(summarized_by)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			level INTEGER NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			token_estimate INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			condensed_by INTEGER,
			first_offset INTEGER NOT NULL,
			last_offset INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_session_level ON summaries(session_id, level, condensed_by)`,
		// summary_children is the dedicated parent->child relation the design
		// notes call for (spec §9): child_kind + child_id UNIQUE keeps a
		// message or lower-level summary attached to at most one parent,
		// making invariant (ii)'s "each child claimed once" an SQL
		// constraint rather than application logic that could drift.
		`CREATE TABLE IF NOT EXISTS summary_children (
			parent_id INTEGER NOT NULL,
			child_kind TEXT NOT NULL,
			child_id INTEGER NOT NULL,
			position INTEGER NOT NULL,
			UNIQUE(child_kind, child_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_summary_children_parent ON summary_children(parent_id, position)`,
		`CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			path TEXT NOT NULL,
			sha256 TEXT NOT NULL,
			size INTEGER NOT NULL,
			first_seen_message_id INTEGER NOT NULL,
			last_seen_message_id INTEGER NOT NULL,
			snippet TEXT NOT NULL,
			UNIQUE(session_id, path, sha256)
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS content_fts USING fts5(
			content, kind UNINDEXED, ref_id UNINDEXED, session_id UNINDEXED
		)`,
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	var v string
	if err := tx.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&v); err != nil {
		if err != sql.ErrNoRows {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO meta(key, value) VALUES ('schema_version', ?)`, strconv.Itoa(schemaVersion)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// EnsureSession creates the session row if absent. No-op if already
// initialized (spec §6 "init" hook).
func (s *Store) EnsureSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		sessionID, now(), now())
	return err
}

func (s *Store) touchSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now(), sessionID)
	return err
}

// AppendMessage inserts one message. If a message already exists at
// (session_id, transcript_offset) this is a no-op and the existing id is
// returned (spec §4.E reentrancy: the uniqueness constraint rejects
// duplicates without error).
func (s *Store) AppendMessage(ctx context.Context, m domain.Message) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := s.ensureSessionTx(ctx, tx, m.SessionID); err != nil {
		return 0, err
	}

	var existing int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM messages WHERE session_id = ? AND transcript_offset = ?`,
		m.SessionID, m.TranscriptOffset).Scan(&existing)
	if err == nil {
		return existing, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	tok := m.TokenEstimate
	if tok == 0 {
		tok = domain.EstimateTokens(m.Content)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages(session_id, role, content, token_estimate, created_at, transcript_offset, summarized_by)
		 VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		m.SessionID, string(m.Role), m.Content, tok, now(), m.TranscriptOffset)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := s.indexFTS(ctx, tx, "message", id, m.SessionID, m.Content); err != nil {
		return 0, err
	}
	if err := s.touchSession(ctx, tx, m.SessionID); err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func (s *Store) ensureSessionTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		sessionID, now(), now())
	return err
}

func (s *Store) indexFTS(ctx context.Context, tx *sql.Tx, kind string, refID int64, sessionID, content string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO content_fts(content, kind, ref_id, session_id) VALUES (?, ?, ?, ?)`,
		content, kind, refID, sessionID)
	return err
}

// MaxTranscriptOffset returns the highest stored transcript_offset for a
// session, or 0 if none stored yet (Capture resumes from here).
func (s *Store) MaxTranscriptOffset(ctx context.Context, sessionID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(transcript_offset) FROM messages WHERE session_id = ?`, sessionID).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// GetMessageAtOffset fetches the message stored at a given transcript
// offset for a session, if any. Capture uses this to detect the rare case
// where a transcript file's content at an already-captured offset has
// changed since last capture.
func (s *Store) GetMessageAtOffset(ctx context.Context, sessionID string, offset int64) (domain.Message, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, role, content, token_estimate, created_at, transcript_offset, summarized_by
		 FROM messages WHERE session_id = ? AND transcript_offset = ?`, sessionID, offset)
	var m domain.Message
	var createdAt, role string
	var summarizedBy sql.NullInt64
	if err := row.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.TokenEstimate, &createdAt, &m.TranscriptOffset, &summarizedBy); err != nil {
		if err == sql.ErrNoRows {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	m.Role = domain.Role(role)
	m.CreatedAt = parseTime(createdAt)
	if summarizedBy.Valid {
		v := summarizedBy.Int64
		m.SummarizedBy = &v
	}
	return m, true, nil
}

// UnsummarizedMessages returns every message with summarized_by IS NULL for
// a session, ordered by transcript_offset ascending.
func (s *Store) UnsummarizedMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, token_estimate, created_at, transcript_offset, summarized_by
		 FROM messages WHERE session_id = ? AND summarized_by IS NULL ORDER BY transcript_offset ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]domain.Message, error) {
	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var createdAt string
		var role string
		var summarizedBy sql.NullInt64
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.TokenEstimate, &createdAt, &m.TranscriptOffset, &summarizedBy); err != nil {
			return nil, err
		}
		m.Role = domain.Role(role)
		m.CreatedAt = parseTime(createdAt)
		if summarizedBy.Valid {
			v := summarizedBy.Int64
			m.SummarizedBy = &v
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertLeafSummary atomically creates a level-0 summary and marks its
// message children summarized (spec §4.D: insert_summary + mark_summarized
// in one transaction so the invariant never transiently breaks on disk).
func (s *Store) InsertLeafSummary(ctx context.Context, sum domain.Summary, messageIDs []int64) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, fmt.Errorf("InsertLeafSummary: no children")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	id, err := s.insertSummaryTx(ctx, tx, sum)
	if err != nil {
		return 0, err
	}
	for i, mid := range messageIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO summary_children(parent_id, child_kind, child_id, position) VALUES (?, 'message', ?, ?)`,
			id, mid, i); err != nil {
			return 0, fmt.Errorf("attaching message %d: %w", mid, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET summarized_by = ? WHERE id = ? AND summarized_by IS NULL`,
			id, mid); err != nil {
			return 0, err
		}
	}
	if err := s.touchSession(ctx, tx, sum.SessionID); err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// InsertCondensedSummary atomically creates a level-k (k>=1) summary and
// marks its summary children condensed (spec §4.D: insert_summary +
// mark_condensed atomic).
func (s *Store) InsertCondensedSummary(ctx context.Context, sum domain.Summary, childSummaryIDs []int64) (int64, error) {
	if len(childSummaryIDs) == 0 {
		return 0, fmt.Errorf("InsertCondensedSummary: no children")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	id, err := s.insertSummaryTx(ctx, tx, sum)
	if err != nil {
		return 0, err
	}
	for i, cid := range childSummaryIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO summary_children(parent_id, child_kind, child_id, position) VALUES (?, 'summary', ?, ?)`,
			id, cid, i); err != nil {
			return 0, fmt.Errorf("attaching summary %d: %w", cid, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE summaries SET condensed_by = ? WHERE id = ? AND condensed_by IS NULL`,
			id, cid); err != nil {
			return 0, err
		}
	}
	if err := s.touchSession(ctx, tx, sum.SessionID); err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func (s *Store) insertSummaryTx(ctx context.Context, tx *sql.Tx, sum domain.Summary) (int64, error) {
	tok := sum.TokenEstimate
	if tok == 0 {
		tok = domain.EstimateTokens(sum.Content)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO summaries(session_id, level, kind, content, token_estimate, created_at, condensed_by, first_offset, last_offset)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		sum.SessionID, sum.Level, string(sum.Kind), sum.Content, tok, now(), sum.FirstOffset, sum.LastOffset)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := s.indexFTS(ctx, tx, "summary", id, sum.SessionID, sum.Content); err != nil {
		return 0, err
	}
	return id, nil
}

// UncondensedSummariesAtLevel returns every summary at the given level with
// condensed_by IS NULL, ordered by first_offset ascending (oldest first, the
// order the Compaction Engine condenses in).
func (s *Store) UncondensedSummariesAtLevel(ctx context.Context, sessionID string, level int) ([]domain.Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, level, kind, content, token_estimate, created_at, condensed_by, first_offset, last_offset
		 FROM summaries WHERE session_id = ? AND level = ? AND condensed_by IS NULL
		 ORDER BY first_offset ASC`, sessionID, level)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// TopLevelSummaries returns every summary currently without a parent
// (condensed_by IS NULL), across all levels, ordered by first_offset
// ascending -- the roots of the DAG (spec glossary "Top-level summary").
func (s *Store) TopLevelSummaries(ctx context.Context, sessionID string) ([]domain.Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, level, kind, content, token_estimate, created_at, condensed_by, first_offset, last_offset
		 FROM summaries WHERE session_id = ? AND condensed_by IS NULL
		 ORDER BY first_offset ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// MaxSummaryLevel returns the highest level with at least one summary, or -1
// if none exist.
func (s *Store) MaxSummaryLevel(ctx context.Context, sessionID string) (int, error) {
	var level sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(level) FROM summaries WHERE session_id = ?`, sessionID).Scan(&level)
	if err != nil {
		return -1, err
	}
	if !level.Valid {
		return -1, nil
	}
	return int(level.Int64), nil
}

func scanSummaries(rows *sql.Rows) ([]domain.Summary, error) {
	var out []domain.Summary
	for rows.Next() {
		var sum domain.Summary
		var createdAt, kind string
		var condensedBy sql.NullInt64
		if err := rows.Scan(&sum.ID, &sum.SessionID, &sum.Level, &kind, &sum.Content, &sum.TokenEstimate, &createdAt, &condensedBy, &sum.FirstOffset, &sum.LastOffset); err != nil {
			return nil, err
		}
		sum.Kind = domain.SummaryKind(kind)
		sum.CreatedAt = parseTime(createdAt)
		if condensedBy.Valid {
			v := condensedBy.Int64
			sum.CondensedBy = &v
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// GetSummary fetches a single summary by id.
func (s *Store) GetSummary(ctx context.Context, id int64) (domain.Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, level, kind, content, token_estimate, created_at, condensed_by, first_offset, last_offset
		 FROM summaries WHERE id = ?`, id)
	var sum domain.Summary
	var createdAt, kind string
	var condensedBy sql.NullInt64
	if err := row.Scan(&sum.ID, &sum.SessionID, &sum.Level, &kind, &sum.Content, &sum.TokenEstimate, &createdAt, &condensedBy, &sum.FirstOffset, &sum.LastOffset); err != nil {
		return domain.Summary{}, err
	}
	sum.Kind = domain.SummaryKind(kind)
	sum.CreatedAt = parseTime(createdAt)
	if condensedBy.Valid {
		v := condensedBy.Int64
		sum.CondensedBy = &v
	}
	return sum, nil
}

// GetMessage fetches a single message by id.
func (s *Store) GetMessage(ctx context.Context, id int64) (domain.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, role, content, token_estimate, created_at, transcript_offset, summarized_by
		 FROM messages WHERE id = ?`, id)
	var m domain.Message
	var createdAt, role string
	var summarizedBy sql.NullInt64
	if err := row.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.TokenEstimate, &createdAt, &m.TranscriptOffset, &summarizedBy); err != nil {
		return domain.Message{}, err
	}
	m.Role = domain.Role(role)
	m.CreatedAt = parseTime(createdAt)
	if summarizedBy.Valid {
		v := summarizedBy.Int64
		m.SummarizedBy = &v
	}
	return m, nil
}

// SummaryChildren returns the ordered immediate children of a summary, as
// either message ids ("message" kind) or summary ids ("summary" kind).
func (s *Store) SummaryChildren(ctx context.Context, summaryID int64) (kind string, childIDs []int64, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT child_kind, child_id FROM summary_children WHERE parent_id = ? ORDER BY position ASC`, summaryID)
	if err != nil {
		return "", nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var id int64
		if err := rows.Scan(&k, &id); err != nil {
			return "", nil, err
		}
		kind = k
		childIDs = append(childIDs, id)
	}
	return kind, childIDs, rows.Err()
}

// CoveringSummary walks summarized_by, then condensed_by repeatedly, to find
// the highest-level ancestor summary currently covering a message (spec
// §4.A grouping policy for grep; glossary "Covering summary").
func (s *Store) CoveringSummary(ctx context.Context, messageID int64) (*int64, error) {
	m, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SummarizedBy == nil {
		return nil, nil
	}
	id := *m.SummarizedBy
	for {
		sum, err := s.GetSummary(ctx, id)
		if err != nil {
			return nil, err
		}
		if sum.CondensedBy == nil {
			return &id, nil
		}
		id = *sum.CondensedBy
	}
}

// UpsertFile inserts a file reference, or returns the existing one keyed by
// (session_id, path, sha256), updating last_seen_message_id either way
// (spec §3 "File reference" is immutable except for last_seen_message_id).
func (s *Store) UpsertFile(ctx context.Context, f domain.FileRef) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM files WHERE session_id = ? AND path = ? AND sha256 = ?`,
		f.SessionID, f.Path, f.SHA256).Scan(&id)
	if err == nil {
		if _, err := tx.ExecContext(ctx, `UPDATE files SET last_seen_message_id = ? WHERE id = ?`, f.LastSeenMessage, id); err != nil {
			return 0, err
		}
		return id, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO files(session_id, path, sha256, size, first_seen_message_id, last_seen_message_id, snippet)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.SessionID, f.Path, f.SHA256, f.Size, f.FirstSeenMessage, f.LastSeenMessage, f.Snippet)
	if err != nil {
		return 0, err
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// GetFile fetches a single file reference by id.
func (s *Store) GetFile(ctx context.Context, id int64) (domain.FileRef, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, path, sha256, size, first_seen_message_id, last_seen_message_id, snippet FROM files WHERE id = ?`, id)
	var f domain.FileRef
	if err := row.Scan(&f.ID, &f.SessionID, &f.Path, &f.SHA256, &f.Size, &f.FirstSeenMessage, &f.LastSeenMessage, &f.Snippet); err != nil {
		return domain.FileRef{}, err
	}
	return f, nil
}

// SessionTotals computes the token-pressure figures the Compaction Engine
// watches (spec §4.D).
func (s *Store) SessionTotals(ctx context.Context, sessionID string) (domain.Totals, error) {
	var t domain.Totals
	t.SummaryCountByLevel = map[int]int{}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&t.MessageCount); err != nil {
		return t, err
	}
	var unsummarized sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT SUM(token_estimate) FROM messages WHERE session_id = ? AND summarized_by IS NULL`, sessionID).Scan(&unsummarized); err != nil {
		return t, err
	}
	t.UnsummarizedTokens = int(unsummarized.Int64)

	var uncondensed sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT SUM(token_estimate) FROM summaries WHERE session_id = ? AND condensed_by IS NULL`, sessionID).Scan(&uncondensed); err != nil {
		return t, err
	}
	t.UncondensedSummaryTokens = int(uncondensed.Int64)

	rows, err := s.db.QueryContext(ctx,
		`SELECT level, COUNT(*) FROM summaries WHERE session_id = ? GROUP BY level`, sessionID)
	if err != nil {
		return t, err
	}
	defer rows.Close()
	maxLevel := -1
	for rows.Next() {
		var level, count int
		if err := rows.Scan(&level, &count); err != nil {
			return t, err
		}
		t.SummaryCountByLevel[level] = count
		if level > maxLevel {
			maxLevel = level
		}
	}
	t.DAGDepth = maxLevel + 1
	return t, rows.Err()
}

// Hit is one search result, grouped by covering summary (spec §4.A).
type Hit struct {
	Kind       string // "message" or "summary"
	RefID      int64
	Content    string
	Offset     int64
	CoveringID *int64 // nil if no covering summary exists yet
}

// PageToken encodes (last_id, offset) opaquely for ten-items-per-page
// pagination (spec §4.A).
type PageToken struct {
	LastID int64
	Offset int
}

// EncodePageToken renders a PageToken as the opaque string callers pass back.
func EncodePageToken(p PageToken) string {
	if p.LastID == 0 && p.Offset == 0 {
		return ""
	}
	return fmt.Sprintf("%d:%d", p.LastID, p.Offset)
}

// DecodePageToken parses the opaque string produced by EncodePageToken.
func DecodePageToken(s string) (PageToken, error) {
	if s == "" {
		return PageToken{}, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return PageToken{}, fmt.Errorf("malformed page token %q", s)
	}
	lastID, err1 := strconv.ParseInt(parts[0], 10, 64)
	offset, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return PageToken{}, fmt.Errorf("malformed page token %q", s)
	}
	return PageToken{LastID: lastID, Offset: offset}, nil
}

const pageSize = 10

// Scope restricts a search to messages, summaries, or both (spec §4.G).
type Scope string

const (
	ScopeMessages Scope = "messages"
	ScopeSummaries Scope = "summaries"
	ScopeBoth      Scope = "both"
)

// FTSSearch runs a full-text search over message and/or summary content for
// one session, returning up to one page of raw hits with their covering
// summary resolved (spec §4.A).
func (s *Store) FTSSearch(ctx context.Context, sessionID, query string, scope Scope, page PageToken) ([]Hit, PageToken, error) {
	kindFilter := ""
	switch scope {
	case ScopeMessages:
		kindFilter = `AND kind = 'message'`
	case ScopeSummaries:
		kindFilter = `AND kind = 'summary'`
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT kind, ref_id, content FROM content_fts
		 WHERE content_fts MATCH ? AND session_id = ? %s
		 AND ref_id > ?
		 ORDER BY ref_id ASC LIMIT ?`, kindFilter),
		query, sessionID, page.LastID, pageSize+1)
	if err != nil {
		return nil, PageToken{}, err
	}
	defer rows.Close()
	return s.collectHits(ctx, rows, page)
}

// RegexSearch does a bounded linear scan over content for a session (spec
// §4.A: "bounded by an explicit result cap ... and session scope"). The
// cap defaults to 100 and the caller is expected to apply a wall-clock
// timeout via ctx (spec §8 "bounded by result cap and per-scan timeout").
func (s *Store) RegexSearch(ctx context.Context, sessionID string, re regexpMatcher, scope Scope, cap int) ([]Hit, error) {
	if cap <= 0 {
		cap = 100
	}
	var hits []Hit
	scan := func(kind string, rows *sql.Rows) error {
		defer rows.Close()
		for rows.Next() {
			if len(hits) >= cap {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			var refID, offset int64
			var content string
			if err := rows.Scan(&refID, &content, &offset); err != nil {
				return err
			}
			if !re.MatchString(content) {
				continue
			}
			hit := Hit{Kind: kind, RefID: refID, Content: content, Offset: offset}
			if kind == "message" {
				cov, err := s.CoveringSummary(ctx, refID)
				if err != nil {
					return err
				}
				hit.CoveringID = cov
			} else {
				id := refID
				hit.CoveringID = &id
			}
			hits = append(hits, hit)
		}
		return rows.Err()
	}

	if scope == ScopeMessages || scope == ScopeBoth {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, content, transcript_offset FROM messages WHERE session_id = ? ORDER BY transcript_offset ASC`, sessionID)
		if err != nil {
			return nil, err
		}
		if err := scan("message", rows); err != nil {
			return nil, err
		}
	}
	if (scope == ScopeSummaries || scope == ScopeBoth) && len(hits) < cap {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, content, first_offset FROM summaries WHERE session_id = ? ORDER BY first_offset ASC`, sessionID)
		if err != nil {
			return nil, err
		}
		if err := scan("summary", rows); err != nil {
			return nil, err
		}
	}
	return hits, nil
}

// regexpMatcher is the minimal surface RegexSearch needs from *regexp.Regexp,
// kept as an interface so callers enforce their own compile-time safety
// checks (pattern-length cap, no backreferences) before constructing one.
type regexpMatcher interface {
	MatchString(string) bool
}

func (s *Store) collectHits(ctx context.Context, rows *sql.Rows, page PageToken) ([]Hit, PageToken, error) {
	var all []Hit
	for rows.Next() {
		var kind string
		var refID int64
		var content string
		if err := rows.Scan(&kind, &refID, &content); err != nil {
			return nil, PageToken{}, err
		}
		var offset int64
		var cov *int64
		if kind == "message" {
			m, err := s.GetMessage(ctx, refID)
			if err != nil {
				return nil, PageToken{}, err
			}
			offset = m.TranscriptOffset
			cov, err = s.CoveringSummary(ctx, refID)
			if err != nil {
				return nil, PageToken{}, err
			}
		} else {
			sum, err := s.GetSummary(ctx, refID)
			if err != nil {
				return nil, PageToken{}, err
			}
			offset = sum.FirstOffset
			id := refID
			cov = &id
		}
		all = append(all, Hit{Kind: kind, RefID: refID, Content: content, Offset: offset, CoveringID: cov})
	}
	if err := rows.Err(); err != nil {
		return nil, PageToken{}, err
	}

	next := PageToken{}
	if len(all) > pageSize {
		next = PageToken{LastID: all[pageSize-1].RefID, Offset: page.Offset + pageSize}
		all = all[:pageSize]
	}
	return all, next, nil
}
