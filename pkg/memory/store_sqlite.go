package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLiteStore is the canonical persistent store.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates/opens the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single process. One shared connection avoids writer lock contention
	// between goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS preferences (
			user_id INTEGER PRIMARY KEY,
			model TEXT NOT NULL DEFAULT '',
			show_usage INTEGER NOT NULL DEFAULT 0,
			auto_compact INTEGER,
			threshold INTEGER NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0,
			chunk_id INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_user_seq_idx ON messages(user_id, seq);`,
		`CREATE TABLE IF NOT EXISTS summaries (
			user_id INTEGER PRIMARY KEY,
			text TEXT NOT NULL,
			represented_count INTEGER NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			model TEXT NOT NULL,
			kind TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			cost REAL NOT NULL DEFAULT 0,
			cost_known INTEGER NOT NULL DEFAULT 1,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS usage_user_time_idx ON usage_records(user_id, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS compactions (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			started_at_ms INTEGER NOT NULL,
			completed_at_ms INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			source_count INTEGER NOT NULL,
			retained_count INTEGER NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			checkpoint_json TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS compactions_user_idx ON compactions(user_id, started_at_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	// Databases created before archival lack these columns.
	for _, col := range []struct{ name, ddl string }{
		{"archived", "archived INTEGER NOT NULL DEFAULT 0"},
		{"chunk_id", "chunk_id INTEGER NOT NULL DEFAULT 0"},
	} {
		if err := s.ensureColumn("messages", col.name, col.ddl); err != nil {
			return err
		}
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS messages_user_archived_idx ON messages(user_id, archived, seq);`); err != nil {
		return fmt.Errorf("init sqlite schema failed on archived index: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureColumn(table, column, ddl string) error {
	var names []string
	if err := s.db.Select(&names, `SELECT name FROM pragma_table_info(?)`, table); err != nil {
		return fmt.Errorf("inspect %s columns: %w", table, err)
	}
	for _, name := range names {
		if name == column {
			return nil
		}
	}
	// table and ddl are fixed identifiers from init.
	if _, err := s.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s`, table, ddl)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

type preferenceRow struct {
	UserID      int64        `db:"user_id"`
	Model       string       `db:"model"`
	ShowUsage   bool         `db:"show_usage"`
	AutoCompact sql.NullBool `db:"auto_compact"`
	Threshold   int          `db:"threshold"`
	UpdatedAtMS int64        `db:"updated_at_ms"`
}

func (s *SQLiteStore) GetPreference(ctx context.Context, user UserID) (Preference, error) {
	var row preferenceRow
	err := s.db.GetContext(ctx, &row, `
SELECT user_id, model, show_usage, auto_compact, threshold, updated_at_ms
FROM preferences WHERE user_id = ?`, int64(user))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Preference{UserID: user}, nil
		}
		return Preference{}, fmt.Errorf("get preference: %w", err)
	}
	pref := Preference{
		UserID:    user,
		Model:     row.Model,
		ShowUsage: row.ShowUsage,
		Threshold: row.Threshold,
		UpdatedAt: fromMS(row.UpdatedAtMS),
	}
	if row.AutoCompact.Valid {
		v := row.AutoCompact.Bool
		pref.AutoCompact = &v
	}
	return pref, nil
}

func (s *SQLiteStore) upsertPreference(ctx context.Context, op, column string, user UserID, value interface{}) error {
	// column is one of a fixed set of identifiers chosen by the callers below.
	query := fmt.Sprintf(`
INSERT INTO preferences(user_id, %[1]s, updated_at_ms) VALUES(?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET %[1]s = excluded.%[1]s, updated_at_ms = excluded.updated_at_ms`, column)
	if _, err := s.db.ExecContext(ctx, query, int64(user), value, nowMS()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *SQLiteStore) SetPreferenceModel(ctx context.Context, user UserID, model string) error {
	return s.upsertPreference(ctx, "set preference model", "model", user, strings.TrimSpace(model))
}

func (s *SQLiteStore) SetPreferenceShowUsage(ctx context.Context, user UserID, show bool) error {
	return s.upsertPreference(ctx, "set preference show_usage", "show_usage", user, show)
}

func (s *SQLiteStore) SetPreferenceAutoCompact(ctx context.Context, user UserID, enabled bool) error {
	return s.upsertPreference(ctx, "set preference auto_compact", "auto_compact", user, enabled)
}

func (s *SQLiteStore) SetPreferenceThreshold(ctx context.Context, user UserID, threshold int) error {
	return s.upsertPreference(ctx, "set preference threshold", "threshold", user, threshold)
}

type messageRow struct {
	ID          string `db:"id"`
	UserID      int64  `db:"user_id"`
	Seq         int64  `db:"seq"`
	Role        string `db:"role"`
	Content     string `db:"content"`
	TokenCount  int    `db:"token_count"`
	CreatedAtMS int64  `db:"created_at_ms"`
	Archived    bool   `db:"archived"`
	ChunkID     int64  `db:"chunk_id"`
}

func (r messageRow) message() Message {
	return Message{
		ID:         r.ID,
		UserID:     UserID(r.UserID),
		Seq:        r.Seq,
		Role:       Role(r.Role),
		Content:    r.Content,
		TokenCount: r.TokenCount,
		CreatedAt:  fromMS(r.CreatedAtMS),
		Archived:   r.Archived,
		ChunkID:    r.ChunkID,
	}
}

const messageColumns = `id, user_id, seq, role, content, token_count, created_at_ms, archived, chunk_id`

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	stored, err := s.AppendMessages(ctx, msg.UserID, []Message{msg})
	if err != nil {
		return Message{}, err
	}
	return stored[0], nil
}

// AppendMessages appends msgs to user's history in one transaction, in order.
func (s *SQLiteStore) AppendMessages(ctx context.Context, user UserID, msgs []Message) ([]Message, error) {
	for _, msg := range msgs {
		if !msg.Role.Valid() {
			return nil, fmt.Errorf("append message: invalid role %q", msg.Role)
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("append message begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int64
	if err := tx.GetContext(ctx, &next, `SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE user_id = ?`, int64(user)); err != nil {
		return nil, fmt.Errorf("append message next seq: %w", err)
	}

	now := time.Now()
	stored := make([]Message, 0, len(msgs))
	for i, msg := range msgs {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		row := messageRow{
			ID:          msg.ID,
			UserID:      int64(user),
			Seq:         next + int64(i),
			Role:        string(msg.Role),
			Content:     msg.Content,
			TokenCount:  msg.TokenCount,
			CreatedAtMS: msg.CreatedAt.UnixMilli(),
		}
		if _, err := tx.NamedExecContext(ctx, `
INSERT INTO messages(id, user_id, seq, role, content, token_count, created_at_ms)
VALUES(:id, :user_id, :seq, :role, :content, :token_count, :created_at_ms)`, row); err != nil {
			return nil, fmt.Errorf("append message insert: %w", err)
		}
		stored = append(stored, row.message())
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("append message commit: %w", err)
	}
	return stored, nil
}

// ListMessages returns user's active messages; archived ones are excluded.
func (s *SQLiteStore) ListMessages(ctx context.Context, user UserID) ([]Message, error) {
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, `
SELECT `+messageColumns+`
FROM messages
WHERE user_id = ? AND archived = 0
ORDER BY seq ASC`, int64(user)); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.message())
	}
	return out, nil
}

func (s *SQLiteStore) CountMessages(ctx context.Context, user UserID) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages WHERE user_id = ? AND archived = 0`, int64(user)); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CountArchived(ctx context.Context, user UserID) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages WHERE user_id = ? AND archived = 1`, int64(user)); err != nil {
		return 0, fmt.Errorf("count archived: %w", err)
	}
	return n, nil
}

// DeleteMessages removes user's active messages. The archive is kept.
func (s *SQLiteStore) DeleteMessages(ctx context.Context, user UserID) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE user_id = ? AND archived = 0`, int64(user))
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) DeleteArchived(ctx context.Context, user UserID) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE user_id = ? AND archived = 1`, int64(user))
	if err != nil {
		return 0, fmt.Errorf("delete archived: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchArchived returns up to limit archived messages containing any of
// keywords, newest first. Matching is case-insensitive for ASCII.
func (s *SQLiteStore) SearchArchived(ctx context.Context, user UserID, keywords []string, limit int) ([]Message, error) {
	clauses := make([]string, 0, len(keywords))
	args := []interface{}{int64(user)}
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		clauses = append(clauses, `content LIKE ? ESCAPE '\'`)
		args = append(args, "%"+likeEscaper.Replace(kw)+"%")
	}
	if len(clauses) == 0 || limit <= 0 {
		return nil, nil
	}
	args = append(args, limit)

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, `
SELECT `+messageColumns+`
FROM messages
WHERE user_id = ? AND archived = 1 AND (`+strings.Join(clauses, " OR ")+`)
ORDER BY seq DESC
LIMIT ?`, args...); err != nil {
		return nil, fmt.Errorf("search archived: %w", err)
	}
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.message())
	}
	return out, nil
}

func (s *SQLiteStore) ReplacePrefix(ctx context.Context, user UserID, compactedCount int, tail []Message) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace prefix begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := archivePrefixTx(ctx, tx, user, compactedCount, nil, tail); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace prefix commit: %w", err)
	}
	return nil
}

type idSeq struct {
	ID  string `db:"id"`
	Seq int64  `db:"seq"`
}

// archivePrefixTx archives the oldest compactedCount active messages under a
// new chunk after checking the active history still starts with compacted
// (when given) followed by tail.
func archivePrefixTx(ctx context.Context, tx *sqlx.Tx, user UserID, compactedCount int, compacted, tail []Message) error {
	if compactedCount < 0 {
		return fmt.Errorf("replace prefix: negative count %d", compactedCount)
	}
	if compacted != nil && len(compacted) != compactedCount {
		return fmt.Errorf("replace prefix: %d compacted messages for count %d", len(compacted), compactedCount)
	}
	want := compactedCount + len(tail)
	var head []idSeq
	if err := tx.SelectContext(ctx, &head, `
SELECT id, seq FROM messages
WHERE user_id = ? AND archived = 0
ORDER BY seq ASC
LIMIT ?`, int64(user), want); err != nil {
		return fmt.Errorf("replace prefix read head: %w", err)
	}
	if len(head) < want {
		return ErrHistoryChanged
	}
	for i, m := range compacted {
		if head[i].ID != m.ID {
			return ErrHistoryChanged
		}
	}
	for i, m := range tail {
		if head[compactedCount+i].ID != m.ID {
			return ErrHistoryChanged
		}
	}
	if compactedCount == 0 {
		return nil
	}
	var chunk int64
	if err := tx.GetContext(ctx, &chunk, `SELECT COALESCE(MAX(chunk_id), 0) + 1 FROM messages WHERE user_id = ?`, int64(user)); err != nil {
		return fmt.Errorf("replace prefix next chunk: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE messages SET archived = 1, chunk_id = ?
WHERE user_id = ? AND archived = 0 AND seq <= ?`, chunk, int64(user), head[compactedCount-1].Seq); err != nil {
		return fmt.Errorf("replace prefix archive: %w", err)
	}
	return nil
}

type summaryRow struct {
	UserID           int64  `db:"user_id"`
	Text             string `db:"text"`
	RepresentedCount int    `db:"represented_count"`
	UpdatedAtMS      int64  `db:"updated_at_ms"`
}

func (s *SQLiteStore) GetSummary(ctx context.Context, user UserID) (Summary, bool, error) {
	var row summaryRow
	err := s.db.GetContext(ctx, &row, `
SELECT user_id, text, represented_count, updated_at_ms
FROM summaries WHERE user_id = ?`, int64(user))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Summary{UserID: user}, false, nil
		}
		return Summary{}, false, fmt.Errorf("get summary: %w", err)
	}
	return Summary{
		UserID:           user,
		Text:             row.Text,
		RepresentedCount: row.RepresentedCount,
		UpdatedAt:        fromMS(row.UpdatedAtMS),
	}, true, nil
}

const upsertSummarySQL = `
INSERT INTO summaries(user_id, text, represented_count, updated_at_ms) VALUES(?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	text = excluded.text,
	represented_count = excluded.represented_count,
	updated_at_ms = excluded.updated_at_ms`

func (s *SQLiteStore) SetSummary(ctx context.Context, user UserID, text string, representedCount int) error {
	if _, err := s.db.ExecContext(ctx, upsertSummarySQL, int64(user), text, representedCount, nowMS()); err != nil {
		return fmt.Errorf("set summary: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSummary(ctx context.Context, user UserID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM summaries WHERE user_id = ?`, int64(user)); err != nil {
		return fmt.Errorf("delete summary: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CommitCompaction(ctx context.Context, user UserID, text string, representedCount int, compacted, tail []Message) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit compaction begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if compacted == nil {
		compacted = []Message{}
	}
	if err := archivePrefixTx(ctx, tx, user, len(compacted), compacted, tail); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, upsertSummarySQL, int64(user), text, representedCount, nowMS()); err != nil {
		return fmt.Errorf("commit compaction summary: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit compaction commit: %w", err)
	}
	return nil
}

type usageRow struct {
	ID               string  `db:"id"`
	UserID           int64   `db:"user_id"`
	Model            string  `db:"model"`
	Kind             string  `db:"kind"`
	PromptTokens     int     `db:"prompt_tokens"`
	CompletionTokens int     `db:"completion_tokens"`
	Cost             float64 `db:"cost"`
	CostKnown        bool    `db:"cost_known"`
	CreatedAtMS      int64   `db:"created_at_ms"`
}

func (s *SQLiteStore) AppendUsage(ctx context.Context, rec UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Kind == "" {
		rec.Kind = UsageChat
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	row := usageRow{
		ID:               rec.ID,
		UserID:           int64(rec.UserID),
		Model:            rec.Model,
		Kind:             string(rec.Kind),
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		Cost:             rec.Cost,
		CostKnown:        rec.CostKnown,
		CreatedAtMS:      rec.CreatedAt.UnixMilli(),
	}
	if _, err := s.db.NamedExecContext(ctx, `
INSERT INTO usage_records(id, user_id, model, kind, prompt_tokens, completion_tokens, cost, cost_known, created_at_ms)
VALUES(:id, :user_id, :model, :kind, :prompt_tokens, :completion_tokens, :cost, :cost_known, :created_at_ms)`, row); err != nil {
		return fmt.Errorf("append usage: %w", err)
	}
	return nil
}

type usageTotalsRow struct {
	PromptTokens     int     `db:"prompt_tokens"`
	CompletionTokens int     `db:"completion_tokens"`
	Cost             float64 `db:"cost"`
	Calls            int     `db:"calls"`
	UnpricedCalls    int     `db:"unpriced_calls"`
}

// SumUsage aggregates records created at or after sinceMS (0 for all time).
func (s *SQLiteStore) SumUsage(ctx context.Context, user UserID, sinceMS int64) (UsageTotals, error) {
	var row usageTotalsRow
	if err := s.db.GetContext(ctx, &row, `
SELECT
	COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens,
	COALESCE(SUM(completion_tokens), 0) AS completion_tokens,
	COALESCE(SUM(cost), 0.0) AS cost,
	COUNT(*) AS calls,
	COALESCE(SUM(CASE WHEN cost_known = 0 THEN 1 ELSE 0 END), 0) AS unpriced_calls
FROM usage_records
WHERE user_id = ? AND created_at_ms >= ?`, int64(user), sinceMS); err != nil {
		return UsageTotals{}, fmt.Errorf("sum usage: %w", err)
	}
	return UsageTotals(row), nil
}

func (s *SQLiteStore) StartCompaction(ctx context.Context, user UserID, sourceCount, retainedCount int, checkpoint map[string]string) (string, error) {
	id := "cmp-" + uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO compactions(id, user_id, started_at_ms, completed_at_ms, status, source_count, retained_count, summary, checkpoint_json, error)
VALUES(?, ?, ?, 0, ?, ?, ?, '', ?, '')`, id, int64(user), nowMS(), CompactionRunning, sourceCount, retainedCount, encodeMap(checkpoint))
	if err != nil {
		return "", fmt.Errorf("start compaction: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) CheckpointCompaction(ctx context.Context, compactionID string, checkpoint map[string]string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE compactions
SET checkpoint_json = ?, status = ?, error = ''
WHERE id = ?`, encodeMap(checkpoint), CompactionRunning, compactionID)
	if err != nil {
		return fmt.Errorf("checkpoint compaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CompleteCompaction(ctx context.Context, compactionID, summary string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE compactions
SET summary = ?, status = ?, completed_at_ms = ?, error = ''
WHERE id = ?`, summary, CompactionCompleted, nowMS(), compactionID)
	if err != nil {
		return fmt.Errorf("complete compaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailCompaction(ctx context.Context, compactionID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE compactions
SET status = ?, completed_at_ms = ?, error = ?
WHERE id = ?`, CompactionFailed, nowMS(), errMsg, compactionID)
	if err != nil {
		return fmt.Errorf("fail compaction: %w", err)
	}
	return nil
}

type compactionRow struct {
	ID             string `db:"id"`
	UserID         int64  `db:"user_id"`
	StartedAtMS    int64  `db:"started_at_ms"`
	CompletedAtMS  int64  `db:"completed_at_ms"`
	Status         string `db:"status"`
	SourceCount    int    `db:"source_count"`
	RetainedCount  int    `db:"retained_count"`
	Summary        string `db:"summary"`
	CheckpointJSON string `db:"checkpoint_json"`
	Error          string `db:"error"`
}

func (s *SQLiteStore) LatestCompaction(ctx context.Context, user UserID) (Compaction, bool, error) {
	var row compactionRow
	err := s.db.GetContext(ctx, &row, `
SELECT id, user_id, started_at_ms, completed_at_ms, status, source_count, retained_count, summary, checkpoint_json, error
FROM compactions
WHERE user_id = ?
ORDER BY started_at_ms DESC, rowid DESC
LIMIT 1`, int64(user))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Compaction{}, false, nil
		}
		return Compaction{}, false, fmt.Errorf("latest compaction: %w", err)
	}
	return Compaction{
		ID:            row.ID,
		UserID:        UserID(row.UserID),
		Status:        CompactionStatus(row.Status),
		SourceCount:   row.SourceCount,
		RetainedCount: row.RetainedCount,
		Summary:       row.Summary,
		Checkpoint:    decodeMap(row.CheckpointJSON),
		Error:         row.Error,
		StartedAt:     fromMS(row.StartedAtMS),
		CompletedAt:   fromMS(row.CompletedAtMS),
	}, true, nil
}
