package clocksync

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepository keeps rows in maps and enforces the same identity and
// foreign key rules as the SQL schema. It backs the memory profile and tests.
type MemoryRepository struct {
	mu     sync.RWMutex
	rows   map[EntityKind]map[Key]Record
	audit  []AuditRecord
	nextID int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: map[EntityKind]map[Key]Record{}}
}

func (r *MemoryRepository) Get(_ context.Context, kind EntityKind, key Key) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.rows[kind][key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (r *MemoryRepository) Insert(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := rec.Key()
	if _, ok := r.rows[rec.Kind()][key]; ok {
		return &IdentityConflictError{Kind: rec.Kind(), Key: key}
	}
	if err := r.checkParentsLocked(rec); err != nil {
		return err
	}
	byKey := r.rows[rec.Kind()]
	if byKey == nil {
		byKey = map[Key]Record{}
		r.rows[rec.Kind()] = byKey
	}
	byKey[key] = cloneRecord(rec)
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := rec.Key()
	if _, ok := r.rows[rec.Kind()][key]; !ok {
		return ErrNotFound
	}
	if err := r.checkParentsLocked(rec); err != nil {
		return err
	}
	r.rows[rec.Kind()][key] = cloneRecord(rec)
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, kind EntityKind, key Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[kind][key]; !ok {
		return ErrNotFound
	}
	var tags []Key
	for childKind, byKey := range r.rows {
		for childKey, child := range byKey {
			for _, fk := range foreignKeys(child) {
				if fk.kind != kind || fk.key != key {
					continue
				}
				if childKind == KindTag {
					tags = append(tags, childKey)
					continue
				}
				return &ForeignKeyError{Kind: kind, Parent: string(childKind) + " " + childKey.String()}
			}
		}
	}
	for _, tag := range tags {
		delete(r.rows[KindTag], tag)
	}
	delete(r.rows[kind], key)
	return nil
}

func (r *MemoryRepository) Keys(_ context.Context, kind EntityKind, workspaceID string) ([]Key, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var keys []Key
	for key := range r.rows[kind] {
		if workspaceID != "" && key.WorkspaceID != workspaceID {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (r *MemoryRepository) AppendAudit(_ context.Context, rec AuditRecord) (AuditRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	rec.ID = r.nextID
	r.audit = append(r.audit, rec)
	return rec, nil
}

func (r *MemoryRepository) ListAudit(_ context.Context, afterID int64, limit int) ([]AuditRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var out []AuditRecord
	for _, rec := range r.audit {
		if rec.ID <= afterID {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) Ping(context.Context) error {
	return nil
}

func (r *MemoryRepository) Close() error {
	return nil
}

// Count reports the number of stored rows of one kind.
func (r *MemoryRepository) Count(kind EntityKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows[kind])
}

func (r *MemoryRepository) checkParentsLocked(rec Record) error {
	for _, fk := range foreignKeys(rec) {
		if _, ok := r.rows[fk.kind][fk.key]; !ok {
			return &ForeignKeyError{Kind: rec.Kind(), Parent: string(fk.kind) + " " + fk.key.String()}
		}
	}
	return nil
}
