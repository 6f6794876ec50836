package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/noahxzhu/chrono-capsule/internal/model"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS users (
  id         TEXT PRIMARY KEY,
  name       TEXT NOT NULL,
  email      TEXT NOT NULL,
  created_at BIGINT NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS capsules (
  id              TEXT PRIMARY KEY,
  title           TEXT NOT NULL,
  message         TEXT NOT NULL,
  recipient_email TEXT NOT NULL,
  scheduled_time  BIGINT NOT NULL,
  is_delivered    BOOLEAN NOT NULL DEFAULT FALSE,
  created_at      BIGINT NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_capsules_pending_due
ON capsules (is_delivered, scheduled_time);
`,
}

// SQLStore keeps users and capsules in a database/sql database. Instants are
// stored as UTC Unix milliseconds so the due predicate is a plain integer
// comparison on every driver.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQL opens driver ("sqlite", "sqlite3" or "postgres") at dsn and runs
// schema migrations.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}
	if driver != "postgres" {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders into $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) applyMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_migrations (version) VALUES (?)`), i+1); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func (s *SQLStore) CreateUser(ctx context.Context, name, email string) (model.User, error) {
	u := model.User{ID: uuid.NewString(), Name: name, Email: email}
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO users (id, name, email, created_at) VALUES (?, ?, ?, ?)`),
		u.ID, u.Name, u.Email, toMillis(time.Now()),
	)
	if err != nil {
		return model.User{}, storeErr("insert", TableUsers, err)
	}
	return u, nil
}

func (s *SQLStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, email FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, storeErr("select", TableUsers, err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email); err != nil {
			return nil, storeErr("select", TableUsers, err)
		}
		users = append(users, u)
	}
	return users, storeErr("select", TableUsers, rows.Err())
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (model.User, error) {
	var u model.User
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, name, email FROM users WHERE id = ?`), id).
		Scan(&u.ID, &u.Name, &u.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, storeErr("select", TableUsers, err)
	}
	return u, nil
}

func (s *SQLStore) CreateCapsule(ctx context.Context, nc model.NewCapsule) (model.Capsule, error) {
	c := model.Capsule{
		ID:             uuid.NewString(),
		Title:          nc.Title,
		Message:        nc.Message,
		RecipientEmail: nc.RecipientEmail,
		ScheduledTime:  fromMillis(toMillis(nc.ScheduledTime)),
	}
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO capsules (id, title, message, recipient_email, scheduled_time, is_delivered, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.Title, c.Message, c.RecipientEmail, toMillis(c.ScheduledTime), false, toMillis(time.Now()),
	)
	if err != nil {
		return model.Capsule{}, storeErr("insert", TableCapsules, err)
	}
	return c, nil
}

const capsuleColumns = `id, title, message, recipient_email, scheduled_time, is_delivered`

func (s *SQLStore) queryCapsules(ctx context.Context, query string, args ...any) ([]model.Capsule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, storeErr("select", TableCapsules, err)
	}
	defer rows.Close()

	capsules := []model.Capsule{}
	for rows.Next() {
		var (
			c  model.Capsule
			ms int64
		)
		if err := rows.Scan(&c.ID, &c.Title, &c.Message, &c.RecipientEmail, &ms, &c.IsDelivered); err != nil {
			return nil, storeErr("select", TableCapsules, err)
		}
		c.ScheduledTime = fromMillis(ms)
		capsules = append(capsules, c)
	}
	return capsules, storeErr("select", TableCapsules, rows.Err())
}

func (s *SQLStore) ListCapsules(ctx context.Context) ([]model.Capsule, error) {
	return s.queryCapsules(ctx, `SELECT `+capsuleColumns+` FROM capsules ORDER BY created_at, id`)
}

func (s *SQLStore) ListPending(ctx context.Context) ([]model.Capsule, error) {
	return s.queryCapsules(ctx,
		`SELECT `+capsuleColumns+` FROM capsules WHERE is_delivered = ? ORDER BY scheduled_time, id`, false)
}

func (s *SQLStore) ListPendingDue(ctx context.Context, at time.Time) ([]model.Capsule, error) {
	return s.queryCapsules(ctx,
		`SELECT `+capsuleColumns+` FROM capsules WHERE is_delivered = ? AND scheduled_time <= ? ORDER BY scheduled_time, id`,
		false, toMillis(at))
}

func (s *SQLStore) MarkDelivered(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE capsules SET is_delivered = ? WHERE id = ? AND is_delivered = ?`), true, id, false)
	if err != nil {
		return storeErr("update", TableCapsules, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update", TableCapsules, err)
	}
	if n > 0 {
		return nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM capsules WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return storeErr("select", TableCapsules, err)
}
