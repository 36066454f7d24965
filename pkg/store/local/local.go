// Package local implements the store contracts on plain JSON files, one
// document per index with atomic rewrite. It is the default backend for
// single-process setups where no external database is configured. Reads see
// same-process writes; concurrent writers are serialised per index so the
// documents never corrupt, with last-write-wins at index granularity.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/masworks/chorus/pkg/store"
)

// Local is a file-backed Store rooted at one directory.
type Local struct {
	traces    *jsonIndex[*store.TraceRecord]
	nodes     *jsonIndex[*store.NodeRecord]
	histories *jsonIndex[*store.HistoryRecord]
	messages  *jsonIndex[*store.MessageRecord]
}

// New opens (or creates) a local store under dir.
func New(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	return &Local{
		traces:    newJSONIndex[*store.TraceRecord](filepath.Join(dir, "traces.json")),
		nodes:     newJSONIndex[*store.NodeRecord](filepath.Join(dir, "nodes.json")),
		histories: newJSONIndex[*store.HistoryRecord](filepath.Join(dir, "histories.json")),
		messages:  newJSONIndex[*store.MessageRecord](filepath.Join(dir, "messages.json")),
	}, nil
}

func (l *Local) SaveTrace(ctx context.Context, rec *store.TraceRecord) error {
	return l.traces.put(rec.TraceID, rec)
}

func (l *Local) GetTrace(ctx context.Context, traceID string) (*store.TraceRecord, bool, error) {
	return l.traces.get(traceID)
}

func (l *Local) SaveNode(ctx context.Context, rec *store.NodeRecord) error {
	return l.nodes.put(rec.NodeID, rec)
}

func (l *Local) GetNode(ctx context.Context, nodeID string) (*store.NodeRecord, bool, error) {
	return l.nodes.get(nodeID)
}

func (l *Local) FindNodeByInput(ctx context.Context, traceID, inputMD5 string) (*store.NodeRecord, bool, error) {
	all, err := l.nodes.list()
	if err != nil {
		return nil, false, err
	}
	var best *store.NodeRecord
	for _, rec := range all {
		if rec.TraceID != traceID || rec.InputMD5 != inputMD5 {
			continue
		}
		if best == nil || rec.UpdateTime > best.UpdateTime {
			best = rec
		}
	}
	return best, best != nil, nil
}

func (l *Local) ListNodes(ctx context.Context, traceID string) ([]*store.NodeRecord, error) {
	all, err := l.nodes.list()
	if err != nil {
		return nil, err
	}
	var out []*store.NodeRecord
	for _, rec := range all {
		if rec.TraceID == traceID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateTime < out[j].CreateTime })
	return out, nil
}

func (l *Local) SaveHistory(ctx context.Context, rec *store.HistoryRecord) error {
	return l.histories.put(rec.Key(), rec)
}

func (l *Local) ListHistory(ctx context.Context, sessionName string, traceIDs []string, limit int) ([]*store.HistoryRecord, error) {
	all, err := l.histories.list()
	if err != nil {
		return nil, err
	}
	allowed := map[string]bool{}
	for _, id := range traceIDs {
		allowed[id] = true
	}
	var out []*store.HistoryRecord
	for _, rec := range all {
		if rec.SessionName != sessionName {
			continue
		}
		if len(allowed) > 0 && !allowed[rec.TraceID] {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateTime > out[j].CreateTime })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *Local) SaveMessage(ctx context.Context, rec *store.MessageRecord) error {
	return l.messages.put(fmt.Sprintf("%s__%d", rec.TraceID, rec.Seq), rec)
}

func (l *Local) ListMessages(ctx context.Context, traceID string) ([]*store.MessageRecord, error) {
	all, err := l.messages.list()
	if err != nil {
		return nil, err
	}
	var out []*store.MessageRecord
	for _, rec := range all {
		if rec.TraceID == traceID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (l *Local) Close() error {
	return nil
}

// jsonIndex is one key-to-record document. Every mutation rewrites the whole
// file through a temp file plus rename, keeping the previous version as .bak
// for recovery from torn writes.
type jsonIndex[T any] struct {
	mu   sync.Mutex
	path string
}

func newJSONIndex[T any](path string) *jsonIndex[T] {
	return &jsonIndex[T]{path: path}
}

func (idx *jsonIndex[T]) put(key string, rec T) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	docs, err := idx.load()
	if err != nil {
		return err
	}
	docs[key] = rec
	return idx.write(docs)
}

func (idx *jsonIndex[T]) get(key string) (T, bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var zero T
	docs, err := idx.load()
	if err != nil {
		return zero, false, err
	}
	rec, ok := docs[key]
	if !ok {
		return zero, false, nil
	}
	return rec, true, nil
}

func (idx *jsonIndex[T]) list() ([]T, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	docs, err := idx.load()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, rec := range docs {
		out = append(out, rec)
	}
	return out, nil
}

func (idx *jsonIndex[T]) load() (map[string]T, error) {
	docs, err := idx.loadFrom(idx.path)
	if err == nil {
		return docs, nil
	}
	if docs, bakErr := idx.loadFrom(idx.path + ".bak"); bakErr == nil {
		return docs, nil
	}
	if os.IsNotExist(err) {
		return map[string]T{}, nil
	}
	return nil, fmt.Errorf("loading index %s: %w", idx.path, err)
}

func (idx *jsonIndex[T]) loadFrom(path string) (map[string]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return map[string]T{}, nil
	}
	var docs map[string]T
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, err
	}
	if docs == nil {
		docs = map[string]T{}
	}
	return docs, nil
}

func (idx *jsonIndex[T]) write(docs map[string]T) error {
	data, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("encoding index %s: %w", idx.path, err)
	}
	tmp := idx.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing index %s: %w", idx.path, err)
	}
	if _, err := os.Stat(idx.path); err == nil {
		_ = os.Rename(idx.path, idx.path+".bak")
	}
	if err := os.Rename(tmp, idx.path); err != nil {
		return fmt.Errorf("replacing index %s: %w", idx.path, err)
	}
	return nil
}
