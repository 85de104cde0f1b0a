package repository

import (
	"context"
	"strconv"
	"sync"

	"ledger-auth-gateway/common"
	"ledger-auth-gateway/model"
)

// MemoryRecordRepository keeps user records in process memory. It is used for
// local development and as the datastore in tests.
type MemoryRecordRepository struct {
	mu      sync.RWMutex
	records map[string]*model.UserRecord
}

func NewMemoryRecordRepository(seed ...*model.UserRecord) *MemoryRecordRepository {
	r := &MemoryRecordRepository{records: make(map[string]*model.UserRecord)}
	for _, rec := range seed {
		r.Put(rec)
	}
	return r
}

// Put stores rec unconditionally, assigning it the next revision.
func (r *MemoryRecordRepository) Put(rec *model.UserRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := rec.Clone()
	c.Revision = nextRevision(r.records[rec.Name])
	r.records[rec.Name] = c
	rec.Revision = c.Revision
}

func (r *MemoryRecordRepository) GetByName(_ context.Context, name string) (*model.UserRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[name]
	if !ok {
		return nil, common.ErrUserNotFound
	}
	return rec.Clone(), nil
}

func (r *MemoryRecordRepository) GetByRefreshToken(_ context.Context, token string) (*model.UserRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.records {
		if rec.HasRefreshToken(token) {
			return rec.Clone(), nil
		}
	}
	return nil, common.ErrUserNotFound
}

func (r *MemoryRecordRepository) Save(_ context.Context, rec *model.UserRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.records[rec.Name]
	if !ok {
		return common.ErrUserNotFound
	}
	if current.Revision != rec.Revision {
		return common.ErrConflict
	}

	c := rec.Clone()
	c.PasswordHash = current.PasswordHash
	c.Revision = nextRevision(current)
	r.records[rec.Name] = c
	rec.Revision = c.Revision
	return nil
}

func (r *MemoryRecordRepository) Ping(context.Context) error {
	return nil
}

func nextRevision(current *model.UserRecord) string {
	if current == nil {
		return "1"
	}
	n, _ := strconv.Atoi(current.Revision)
	return strconv.Itoa(n + 1)
}
