// Package audit is the append-only record of every state transition and
// payment attempt. Entries carry content digests of the entity before and
// after the change so tampering with the main tables is detectable.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"sync"

	"grantline/internal/domain"
)

// Trail records and reads audit entries. Entries are never updated or
// deleted.
type Trail interface {
	Record(ctx context.Context, e domain.AuditEntry) error
	List(ctx context.Context, resourceType, resourceID string) ([]domain.AuditEntry, error)
}

// Digest returns the hex sha256 of the canonical JSON form of v. An empty
// string means "no state", used for the before-side of creations.
func Digest(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SQLTrail persists entries in the audit_entries table.
type SQLTrail struct {
	DB *sql.DB
}

func NewSQLTrail(db *sql.DB) *SQLTrail {
	return &SQLTrail{DB: db}
}

func (t *SQLTrail) Record(ctx context.Context, e domain.AuditEntry) error {
	_, err := t.DB.ExecContext(ctx, `INSERT INTO audit_entries(action,actor_id,resource_type,resource_id,before_digest,after_digest,note,ts)
VALUES (?,?,?,?,?,?,?,?)`,
		e.Action, e.ActorID, e.ResourceType, e.ResourceID, e.BeforeDigest, e.AfterDigest, e.Note, e.TS)
	return err
}

func (t *SQLTrail) List(ctx context.Context, resourceType, resourceID string) ([]domain.AuditEntry, error) {
	rows, err := t.DB.QueryContext(ctx, `SELECT id,action,actor_id,resource_type,resource_id,
COALESCE(before_digest,''),COALESCE(after_digest,''),COALESCE(note,''),ts
FROM audit_entries WHERE resource_type=? AND resource_id=? ORDER BY id ASC`, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.ActorID, &e.ResourceType, &e.ResourceID,
			&e.BeforeDigest, &e.AfterDigest, &e.Note, &e.TS); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// MemTrail is the in-memory Trail used by tests.
type MemTrail struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func NewMemTrail() *MemTrail {
	return &MemTrail{}
}

func (t *MemTrail) Record(ctx context.Context, e domain.AuditEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.ID = int64(len(t.entries) + 1)
	t.entries = append(t.entries, e)
	return nil
}

func (t *MemTrail) List(ctx context.Context, resourceType, resourceID string) ([]domain.AuditEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var res []domain.AuditEntry
	for _, e := range t.entries {
		if e.ResourceType == resourceType && e.ResourceID == resourceID {
			res = append(res, e)
		}
	}
	return res, nil
}

// All returns every entry in insertion order.
func (t *MemTrail) All() []domain.AuditEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.AuditEntry, len(t.entries))
	copy(out, t.entries)
	return out
}
