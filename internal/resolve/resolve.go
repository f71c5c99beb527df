// Package resolve maps ids found in an export archive to the ids the same
// records received in the destination.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/model"
)

// Remap is the identifier remap table of one import, keyed by entity (the
// logical table name) and old id. It is safe for concurrent use.
type Remap struct {
	mu sync.RWMutex
	m  map[string]map[int64]int64
}

// New returns an empty remap table.
func New() *Remap {
	return &Remap{m: make(map[string]map[int64]int64)}
}

// ConflictError is returned when an old id is recorded twice with different
// new ids.
type ConflictError struct {
	Entity   string
	Old      int64
	Existing int64
	New      int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %d already resolved to %d, cannot remap to %d", e.Entity, e.Old, e.Existing, e.New)
}

// Record maps old to new for entity. Recording the same pair again is a
// no-op; recording a different new id for a resolved old id is an error.
func (r *Remap) Record(entity string, old, new int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, ok := r.m[entity]
	if !ok {
		ids = make(map[int64]int64)
		r.m[entity] = ids
	}
	if existing, ok := ids[old]; ok && existing != new {
		return &ConflictError{Entity: entity, Old: old, Existing: existing, New: new}
	}
	ids[old] = new
	return nil
}

// Resolve returns the new id for old, or false when old was never recorded.
func (r *Remap) Resolve(entity string, old int64) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.m[entity][old]
	return n, ok
}

// ResolveValue resolves a stringified id. Empty or unparseable values do not
// resolve.
func (r *Remap) ResolveValue(entity, old string) (string, bool) {
	id, err := strconv.ParseInt(old, 10, 64)
	if err != nil {
		return "", false
	}
	n, ok := r.Resolve(entity, id)
	if !ok {
		return "", false
	}
	return strconv.FormatInt(n, 10), true
}

// Len returns how many ids of entity have been recorded.
func (r *Remap) Len(entity string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m[entity])
}

// NewIDs returns every new id recorded for entity, sorted.
func (r *Remap) NewIDs(entity string) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.m[entity]))
	for _, n := range r.m[entity] {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Users resolves exported user rows to destination accounts: by login, then
// by email, and finally by creating the account without credentials.
type Users struct {
	ex      db.Execer
	remap   *Remap
	created []int64
}

// NewUsers returns a user resolver writing through ex and recording into remap.
func NewUsers(ex db.Execer, remap *Remap) *Users {
	return &Users{ex: ex, remap: remap}
}

// Resolve finds or creates the destination account for an exported users row
// and records the mapping. It reports whether the account was created.
func (u *Users) Resolve(ctx context.Context, r model.Row) (int64, bool, error) {
	oldID, ok := r.Int("id")
	if !ok {
		return 0, false, fmt.Errorf("user row has no id")
	}
	if n, ok := u.remap.Resolve("users", oldID); ok {
		return n, false, nil
	}
	login := r.String("login")
	if login == "" {
		return 0, false, fmt.Errorf("user %d has no login", oldID)
	}

	existing, err := db.FindUserByLogin(ctx, u.ex, login)
	if errors.Is(err, db.ErrNotFound) {
		existing, err = db.FindUserByEmail(ctx, u.ex, r.String("email"))
	}
	switch {
	case err == nil:
		return existing.ID, false, u.remap.Record("users", oldID, existing.ID)
	case !errors.Is(err, db.ErrNotFound):
		return 0, false, err
	}

	newID, err := db.CreateUser(ctx, u.ex, &model.User{
		Login: login,
		Email: r.String("email"),
		Name:  r.String("name"),
	})
	if err != nil {
		return 0, false, err
	}
	u.created = append(u.created, newID)
	return newID, true, u.remap.Record("users", oldID, newID)
}

// Created returns the ids of accounts created by Resolve.
func (u *Users) Created() []int64 {
	out := make([]int64, len(u.created))
	copy(out, u.created)
	return out
}

// WasCreated reports whether id was created during this import.
func (u *Users) WasCreated(id int64) bool {
	for _, c := range u.created {
		if c == id {
			return true
		}
	}
	return false
}
