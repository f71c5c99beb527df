package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ALT-F4-LLC/crate/internal/model"
)

func scanUser(row *sql.Row) (*model.User, error) {
	var (
		u     model.User
		email sql.NullString
		name  sql.NullString
		admin sql.NullInt64
	)
	if err := row.Scan(&u.ID, &u.Login, &email, &name, &admin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	u.Email = email.String
	u.Name = name.String
	u.Admin = admin.Int64 == 1
	return &u, nil
}

// FindUserByLogin returns the user with the given login.
func FindUserByLogin(ctx context.Context, ex Execer, login string) (*model.User, error) {
	return scanUser(ex.QueryRowContext(ctx,
		`SELECT id, login, email, name, admin FROM users WHERE login = ?`, login))
}

// FindUserByEmail returns the user with the given email. When several
// accounts share an email the one with the lowest id wins.
func FindUserByEmail(ctx context.Context, ex Execer, email string) (*model.User, error) {
	if email == "" {
		return nil, ErrNotFound
	}
	return scanUser(ex.QueryRowContext(ctx,
		`SELECT id, login, email, name, admin FROM users WHERE email = ? ORDER BY id LIMIT 1`, email))
}

// GetUser returns the user with the given id.
func GetUser(ctx context.Context, ex Execer, id int64) (*model.User, error) {
	return scanUser(ex.QueryRowContext(ctx,
		`SELECT id, login, email, name, admin FROM users WHERE id = ?`, id))
}

// CreateUser inserts a user without credentials and returns its id.
func CreateUser(ctx context.Context, ex Execer, u *model.User) (int64, error) {
	t, _ := InstanceTable("users")
	r := model.NewRow("login", u.Login, "created_at", time.Now().UTC().Format(time.RFC3339))
	if u.Email != "" {
		r.Set("email", u.Email)
	}
	if u.Name != "" {
		r.Set("name", u.Name)
	}
	r.SetBool("admin", u.Admin)
	id, err := InsertRow(ctx, ex, t, r)
	if err != nil {
		return 0, fmt.Errorf("creating user %q: %w", u.Login, err)
	}
	return id, nil
}

// DeleteUsers removes the given users.
func DeleteUsers(ctx context.Context, ex Execer, ids []int64) error {
	for _, id := range ids {
		if _, err := DeleteWhere(ctx, ex, "users", "id = ?", id); err != nil {
			return err
		}
	}
	return nil
}

// AddMember enrolls a user in a deliverable unless already a member.
// It reports whether a membership row was inserted.
func AddMember(ctx context.Context, ex Execer, deliverableID, userID int64, role string) (bool, error) {
	n, err := Count(ctx, ex, "members", "deliverable_id = ? AND user_id = ?", deliverableID, userID)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	t, _ := InstanceTable("members")
	r := model.NewRow("role", role)
	r.SetInt("deliverable_id", deliverableID)
	r.SetInt("user_id", userID)
	if _, err := InsertRow(ctx, ex, t, r); err != nil {
		return false, fmt.Errorf("adding member: %w", err)
	}
	return true, nil
}
