package resolve

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/model"
)

func TestRemapRecordAndResolve(t *testing.T) {
	r := New()
	require.NoError(t, r.Record("cards", 10, 100))
	require.NoError(t, r.Record("cards", 10, 100))
	require.NoError(t, r.Record("users", 10, 7))

	got, ok := r.Resolve("cards", 10)
	assert.True(t, ok)
	assert.Equal(t, int64(100), got)

	got, ok = r.Resolve("users", 10)
	assert.True(t, ok)
	assert.Equal(t, int64(7), got)

	_, ok = r.Resolve("cards", 11)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len("cards"))
}

func TestRemapRejectsConflictingRecord(t *testing.T) {
	r := New()
	require.NoError(t, r.Record("cards", 1, 2))

	err := r.Record("cards", 1, 3)
	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, int64(2), ce.Existing)

	got, _ := r.Resolve("cards", 1)
	assert.Equal(t, int64(2), got, "conflicting record must not replace the mapping")
}

func TestRemapResolveValue(t *testing.T) {
	r := New()
	require.NoError(t, r.Record("property_definitions", 5, 50))

	got, ok := r.ResolveValue("property_definitions", "5")
	assert.True(t, ok)
	assert.Equal(t, "50", got)

	for _, v := range []string{"", "abc", "6"} {
		_, ok := r.ResolveValue("property_definitions", v)
		assert.False(t, ok, "ResolveValue(%q)", v)
	}
}

func TestRemapConcurrentUse(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := int64(0); i < 50; i++ {
		wg.Add(1)
		go func(i int64) {
			defer wg.Done()
			_ = r.Record("cards", i, i+1000)
			r.Resolve("cards", i)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len("cards"))
	assert.Len(t, r.NewIDs("cards"), 50)
}

func mustDB(t *testing.T) *db.DB {
	t.Helper()
	conn, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Initialize(context.Background(), conn))
	return conn
}

func TestUsersResolutionOrder(t *testing.T) {
	ctx := context.Background()
	conn := mustDB(t)

	byLogin, err := db.CreateUser(ctx, conn, &model.User{Login: "ann", Email: "ann@old.example"})
	require.NoError(t, err)
	byEmail, err := db.CreateUser(ctx, conn, &model.User{Login: "robert", Email: "bob@example.com"})
	require.NoError(t, err)
	_, err = db.CreateUser(ctx, conn, &model.User{Login: "robert2", Email: "bob@example.com"})
	require.NoError(t, err)

	remap := New()
	users := NewUsers(conn, remap)

	id, created, err := users.Resolve(ctx, model.NewRow("id", "1", "login", "ann", "email", "other@example.com"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, byLogin, id, "login match wins over email")

	id, created, err = users.Resolve(ctx, model.NewRow("id", "2", "login", "bob", "email", "bob@example.com"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, byEmail, id, "email match picks the lowest id")

	row := model.NewRow("id", "3", "login", "carol", "email", "carol@example.com", "name", "Carol",
		"password", "secret", "api_key", "key", "admin", "1")
	id, created, err = users.Resolve(ctx, row)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, []int64{id}, users.Created())
	assert.True(t, users.WasCreated(id))

	rows, err := db.SelectWhere(ctx, conn, "users", "id = ?", id)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].IsNull("password"))
	assert.True(t, rows[0].IsNull("api_key"))
	assert.Equal(t, "0", rows[0].String("admin"))

	again, created, err := users.Resolve(ctx, row)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again, "same old id resolves to the same account")

	got, ok := remap.Resolve("users", 3)
	assert.True(t, ok)
	assert.Equal(t, id, got)
}

func TestUsersResolveRequiresLogin(t *testing.T) {
	users := NewUsers(mustDB(t), New())
	_, _, err := users.Resolve(context.Background(), model.NewRow("id", "1"))
	assert.Error(t, err)
}
