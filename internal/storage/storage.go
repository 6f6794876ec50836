// Package storage holds the record store backends for users and capsules.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/noahxzhu/chrono-capsule/internal/config"
	"github.com/noahxzhu/chrono-capsule/internal/model"
)

const (
	TableUsers    = "users"
	TableCapsules = "capsules"
)

// ErrNotFound is returned by point lookups and updates that match no record.
var ErrNotFound = errors.New("record not found")

// Error is a failed read or write against the record store.
type Error struct {
	Op    string
	Table string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func storeErr(op, table string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Table: table, Err: err}
}

// Backend is the record store. Every backend keeps instants in UTC and
// starts capsules undelivered.
type Backend interface {
	CreateUser(ctx context.Context, name, email string) (model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	GetUser(ctx context.Context, id string) (model.User, error)

	CreateCapsule(ctx context.Context, c model.NewCapsule) (model.Capsule, error)
	ListCapsules(ctx context.Context) ([]model.Capsule, error)
	ListPending(ctx context.Context) ([]model.Capsule, error)
	ListPendingDue(ctx context.Context, at time.Time) ([]model.Capsule, error)
	// MarkDelivered flips is_delivered for exactly one undelivered record.
	// Calling it on an already delivered capsule is a no-op.
	MarkDelivered(ctx context.Context, id string) error

	Close() error
}

// Open builds the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StoreConfig) (Backend, error) {
	switch cfg.Backend {
	case config.BackendPostgREST:
		return NewPostgREST(cfg.URL, cfg.Key, nil), nil
	case config.BackendSQLite, config.BackendSQLite3, config.BackendPostgres:
		s, err := OpenSQL(ctx, cfg.Backend, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendFile:
		s, err := OpenFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
