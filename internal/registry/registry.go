// Package registry exposes the user and capsule operations callers build on.
// Neither registry validates required fields; that belongs to whoever collects
// the input.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/noahxzhu/chrono-capsule/internal/model"
	"github.com/noahxzhu/chrono-capsule/internal/storage"
)

type Users struct {
	store storage.Backend
}

func NewUsers(store storage.Backend) *Users {
	return &Users{store: store}
}

func (r *Users) Create(ctx context.Context, name, email string) (model.User, error) {
	u, err := r.store.CreateUser(ctx, name, email)
	if err != nil {
		slog.Error("Failed to create user", "email", email, "error", err)
		return model.User{}, err
	}
	slog.Info("User created", "user_id", u.ID)
	return u, nil
}

func (r *Users) List(ctx context.Context) ([]model.User, error) {
	return r.store.ListUsers(ctx)
}

// Get returns storage.ErrNotFound when id matches nothing.
func (r *Users) Get(ctx context.Context, id string) (model.User, error) {
	return r.store.GetUser(ctx, id)
}

type Capsules struct {
	store storage.Backend
	users *Users
}

func NewCapsules(store storage.Backend, users *Users) *Capsules {
	return &Capsules{store: store, users: users}
}

// Create stores a capsule addressed to recipientEmail. The scheduled instant is
// normalized to UTC; past instants are accepted and become due immediately.
func (r *Capsules) Create(ctx context.Context, title, message, recipientEmail string, scheduled time.Time) (model.Capsule, error) {
	c, err := r.store.CreateCapsule(ctx, model.NewCapsule{
		Title:          title,
		Message:        message,
		RecipientEmail: recipientEmail,
		ScheduledTime:  scheduled.UTC(),
	})
	if err != nil {
		slog.Error("Failed to create capsule", "title", title, "error", err)
		return model.Capsule{}, err
	}
	slog.Info("Capsule created", "capsule_id", c.ID, "scheduled", c.ScheduledTime.Format(time.RFC3339))
	return c, nil
}

// CreateForUser copies the user's current email into the capsule. Later
// changes to the user do not follow.
func (r *Capsules) CreateForUser(ctx context.Context, title, message, userID string, scheduled time.Time) (model.Capsule, error) {
	u, err := r.users.Get(ctx, userID)
	if err != nil {
		return model.Capsule{}, fmt.Errorf("lookup recipient %s: %w", userID, err)
	}
	return r.Create(ctx, title, message, u.Email, scheduled)
}

func (r *Capsules) ListAll(ctx context.Context) ([]model.Capsule, error) {
	return r.store.ListCapsules(ctx)
}

// ListPending returns every undelivered capsule regardless of due time.
func (r *Capsules) ListPending(ctx context.Context) ([]model.Capsule, error) {
	return r.store.ListPending(ctx)
}

// ListPendingDueFor returns undelivered capsules scheduled at or before at.
func (r *Capsules) ListPendingDueFor(ctx context.Context, at time.Time) ([]model.Capsule, error) {
	return r.store.ListPendingDue(ctx, at.UTC())
}

func (r *Capsules) MarkDelivered(ctx context.Context, id string) error {
	return r.store.MarkDelivered(ctx, id)
}
