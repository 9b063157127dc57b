// Package memory provides an in-memory StorageBackend used for tests,
// examples and single-process deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/privacykit/privacykit/pkg/privacykit"
)

// Backend implements privacykit.StorageBackend, BulkBackend and TableLister
// over process memory.
type Backend struct {
	mu     sync.RWMutex
	tables map[string]map[string]privacykit.Record
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{tables: make(map[string]map[string]privacykit.Record)}
}

func (b *Backend) table(name string) map[string]privacykit.Record {
	t, ok := b.tables[name]
	if !ok {
		t = make(map[string]privacykit.Record)
		b.tables[name] = t
	}
	return t
}

func (b *Backend) Create(ctx context.Context, table string, data privacykit.Record) (privacykit.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createLocked(table, data), nil
}

func (b *Backend) createLocked(table string, data privacykit.Record) privacykit.Record {
	rec := data.Clone()
	if rec == nil {
		rec = privacykit.Record{}
	}
	if rec.ID() == "" {
		rec[privacykit.FieldID] = uuid.New().String()
	}
	now := time.Now().UTC()
	rec[privacykit.FieldCreatedAt] = now
	rec[privacykit.FieldUpdatedAt] = now
	rec[privacykit.FieldVersion] = 1
	b.table(table)[rec.ID()] = rec
	return rec.Clone()
}

func (b *Backend) Read(ctx context.Context, table, id string) (privacykit.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.tables[table][id]
	if !ok {
		return nil, privacykit.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (b *Backend) Update(ctx context.Context, table, id string, data privacykit.Record) (privacykit.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updateLocked(table, id, data)
}

func (b *Backend) updateLocked(table, id string, data privacykit.Record) (privacykit.Record, error) {
	rec, ok := b.tables[table][id]
	if !ok {
		return nil, privacykit.ErrRecordNotFound
	}
	merged := rec.Merge(data)
	merged[privacykit.FieldID] = id
	merged[privacykit.FieldCreatedAt] = rec[privacykit.FieldCreatedAt]
	merged[privacykit.FieldUpdatedAt] = time.Now().UTC()
	version, _ := rec[privacykit.FieldVersion].(int)
	merged[privacykit.FieldVersion] = version + 1
	b.tables[table][id] = merged
	return merged.Clone(), nil
}

func (b *Backend) Delete(ctx context.Context, table, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tables[table][id]; !ok {
		return privacykit.ErrRecordNotFound
	}
	delete(b.tables[table], id)
	return nil
}

func (b *Backend) Query(ctx context.Context, table string, filter *privacykit.Filter) ([]privacykit.Record, error) {
	b.mu.RLock()
	recs := make([]privacykit.Record, 0, len(b.tables[table]))
	for _, rec := range b.tables[table] {
		recs = append(recs, rec.Clone())
	}
	b.mu.RUnlock()
	return filter.Apply(recs), nil
}

func (b *Backend) Count(ctx context.Context, table string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tables[table]), nil
}

func (b *Backend) Clear(ctx context.Context, table string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tables, table)
	return nil
}

// Bulk operations

func (b *Backend) CreateMany(ctx context.Context, table string, data []privacykit.Record) ([]privacykit.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]privacykit.Record, len(data))
	for i, rec := range data {
		out[i] = b.createLocked(table, rec)
	}
	return out, nil
}

func (b *Backend) UpdateMany(ctx context.Context, table string, data []privacykit.Record) ([]privacykit.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]privacykit.Record, len(data))
	for i, rec := range data {
		updated, err := b.updateLocked(table, rec.ID(), rec)
		if err != nil {
			return nil, err
		}
		out[i] = updated
	}
	return out, nil
}

func (b *Backend) DeleteMany(ctx context.Context, table string, ids []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		if _, ok := b.tables[table][id]; !ok {
			return privacykit.ErrRecordNotFound
		}
	}
	for _, id := range ids {
		delete(b.tables[table], id)
	}
	return nil
}

// TableNames lists every non-empty table.
func (b *Backend) TableNames(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.tables))
	for name, recs := range b.tables {
		if len(recs) > 0 {
			names = append(names, name)
		}
	}
	return names, nil
}
