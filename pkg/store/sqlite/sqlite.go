// Package sqlite implements the store contracts on a single SQLite file.
// It is the durable single-node backend; upserts give the last-writer-wins
// update semantics the contracts require.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/masworks/chorus/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS traces (
	trace_id       TEXT PRIMARY KEY,
	from_trace_id  TEXT NOT NULL DEFAULT '',
	root_trace_ids TEXT NOT NULL DEFAULT '[]',
	input          TEXT NOT NULL DEFAULT '',
	output         TEXT NOT NULL DEFAULT '',
	create_time    TEXT NOT NULL,
	update_time    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS nodes (
	node_id         TEXT PRIMARY KEY,
	trace_id        TEXT NOT NULL,
	caller          TEXT NOT NULL DEFAULT '',
	callee          TEXT NOT NULL DEFAULT '',
	caller_category TEXT NOT NULL DEFAULT '',
	callee_category TEXT NOT NULL DEFAULT '',
	father_node_id  TEXT NOT NULL DEFAULT '',
	pre_node_ids    TEXT NOT NULL DEFAULT '[]',
	parallel_id     TEXT NOT NULL DEFAULT '',
	call_stack      TEXT NOT NULL DEFAULT '[]',
	input_md5       TEXT NOT NULL DEFAULT '',
	input           TEXT NOT NULL DEFAULT '',
	output          TEXT NOT NULL DEFAULT '',
	extra           TEXT NOT NULL DEFAULT '{}',
	state           TEXT NOT NULL DEFAULT '',
	create_time     TEXT NOT NULL,
	update_time     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_nodes_trace_input ON nodes(trace_id, input_md5);
CREATE TABLE IF NOT EXISTS histories (
	history_key  TEXT PRIMARY KEY,
	trace_id     TEXT NOT NULL,
	session_name TEXT NOT NULL,
	query        TEXT NOT NULL DEFAULT '',
	answer       TEXT NOT NULL DEFAULT '',
	extra        TEXT NOT NULL DEFAULT '{}',
	create_time  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_histories_session ON histories(session_name, create_time);
CREATE TABLE IF NOT EXISTS messages (
	trace_id    TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	type        TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL DEFAULT 'null',
	create_time TEXT NOT NULL,
	PRIMARY KEY (trace_id, seq)
);
`

// SQLite is a file-backed Store.
type SQLite struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies the schema.
func New(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) SaveTrace(ctx context.Context, rec *store.TraceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO traces (trace_id, from_trace_id, root_trace_ids, input, output, create_time, update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trace_id) DO UPDATE SET
			from_trace_id=excluded.from_trace_id,
			root_trace_ids=excluded.root_trace_ids,
			input=excluded.input,
			output=excluded.output,
			update_time=excluded.update_time`,
		rec.TraceID, rec.FromTraceID, encodeJSON(rec.RootTraceIDs),
		rec.Input, rec.Output, rec.CreateTime, rec.UpdateTime)
	return err
}

func (s *SQLite) GetTrace(ctx context.Context, traceID string) (*store.TraceRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trace_id, from_trace_id, root_trace_ids, input, output, create_time, update_time
		FROM traces WHERE trace_id = ?`, traceID)

	var rec store.TraceRecord
	var roots string
	err := row.Scan(&rec.TraceID, &rec.FromTraceID, &roots, &rec.Input, &rec.Output, &rec.CreateTime, &rec.UpdateTime)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	decodeJSON(roots, &rec.RootTraceIDs)
	return &rec, true, nil
}

func (s *SQLite) SaveNode(ctx context.Context, rec *store.NodeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (node_id, trace_id, caller, callee, caller_category, callee_category,
			father_node_id, pre_node_ids, parallel_id, call_stack, input_md5, input, output,
			extra, state, create_time, update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			output=excluded.output,
			extra=excluded.extra,
			state=excluded.state,
			update_time=excluded.update_time`,
		rec.NodeID, rec.TraceID, rec.Caller, rec.Callee, rec.CallerCategory, rec.CalleeCategory,
		rec.FatherNodeID, encodeJSON(rec.PreNodeIDs), rec.ParallelID, encodeJSON(rec.CallStack),
		rec.InputMD5, rec.Input, rec.Output, encodeJSON(rec.Extra), rec.State,
		rec.CreateTime, rec.UpdateTime)
	return err
}

func (s *SQLite) GetNode(ctx context.Context, nodeID string) (*store.NodeRecord, bool, error) {
	rows, err := s.queryNodes(ctx, `WHERE node_id = ?`, nodeID)
	if err != nil || len(rows) == 0 {
		return nil, false, err
	}
	return rows[0], true, nil
}

func (s *SQLite) FindNodeByInput(ctx context.Context, traceID, inputMD5 string) (*store.NodeRecord, bool, error) {
	rows, err := s.queryNodes(ctx,
		`WHERE trace_id = ? AND input_md5 = ? ORDER BY update_time DESC LIMIT 1`,
		traceID, inputMD5)
	if err != nil || len(rows) == 0 {
		return nil, false, err
	}
	return rows[0], true, nil
}

func (s *SQLite) ListNodes(ctx context.Context, traceID string) ([]*store.NodeRecord, error) {
	return s.queryNodes(ctx, `WHERE trace_id = ? ORDER BY create_time ASC`, traceID)
}

func (s *SQLite) queryNodes(ctx context.Context, clause string, args ...any) ([]*store.NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, trace_id, caller, callee, caller_category, callee_category,
			father_node_id, pre_node_ids, parallel_id, call_stack, input_md5, input,
			output, extra, state, create_time, update_time
		FROM nodes `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.NodeRecord
	for rows.Next() {
		var rec store.NodeRecord
		var preNodeIDs, callStack, extra string
		if err := rows.Scan(&rec.NodeID, &rec.TraceID, &rec.Caller, &rec.Callee,
			&rec.CallerCategory, &rec.CalleeCategory, &rec.FatherNodeID, &preNodeIDs,
			&rec.ParallelID, &callStack, &rec.InputMD5, &rec.Input, &rec.Output,
			&extra, &rec.State, &rec.CreateTime, &rec.UpdateTime); err != nil {
			return nil, err
		}
		decodeJSON(preNodeIDs, &rec.PreNodeIDs)
		decodeJSON(callStack, &rec.CallStack)
		decodeJSON(extra, &rec.Extra)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveHistory(ctx context.Context, rec *store.HistoryRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO histories (history_key, trace_id, session_name, query, answer, extra, create_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(history_key) DO UPDATE SET
			query=excluded.query,
			answer=excluded.answer,
			extra=excluded.extra`,
		rec.Key(), rec.TraceID, rec.SessionName, rec.Query, rec.Answer,
		encodeJSON(rec.Extra), rec.CreateTime)
	return err
}

func (s *SQLite) ListHistory(ctx context.Context, sessionName string, traceIDs []string, limit int) ([]*store.HistoryRecord, error) {
	query := `
		SELECT trace_id, session_name, query, answer, extra, create_time
		FROM histories WHERE session_name = ?`
	args := []any{sessionName}
	if len(traceIDs) > 0 {
		query += ` AND trace_id IN (?` + strings.Repeat(",?", len(traceIDs)-1) + `)`
		for _, id := range traceIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY create_time DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.HistoryRecord
	for rows.Next() {
		var rec store.HistoryRecord
		var extra string
		if err := rows.Scan(&rec.TraceID, &rec.SessionName, &rec.Query, &rec.Answer, &extra, &rec.CreateTime); err != nil {
			return nil, err
		}
		decodeJSON(extra, &rec.Extra)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveMessage(ctx context.Context, rec *store.MessageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (trace_id, seq, type, content, create_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(trace_id, seq) DO UPDATE SET
			type=excluded.type,
			content=excluded.content`,
		rec.TraceID, rec.Seq, rec.Type, encodeJSON(rec.Content), rec.CreateTime)
	return err
}

func (s *SQLite) ListMessages(ctx context.Context, traceID string) ([]*store.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, seq, type, content, create_time
		FROM messages WHERE trace_id = ? ORDER BY seq ASC`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.MessageRecord
	for rows.Next() {
		var rec store.MessageRecord
		var content string
		if err := rows.Scan(&rec.TraceID, &rec.Seq, &rec.Type, &content, &rec.CreateTime); err != nil {
			return nil, err
		}
		decodeJSON(content, &rec.Content)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func encodeJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

func decodeJSON[T any](data string, out *T) {
	if data == "" {
		return
	}
	_ = json.Unmarshal([]byte(data), out)
}
