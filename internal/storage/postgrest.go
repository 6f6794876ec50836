package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/supabase-community/postgrest-go"

	"github.com/noahxzhu/chrono-capsule/internal/model"
)

// invalidTextRepresentation is the Postgres code PostgREST reports when a
// filter value cannot be cast to the column type, e.g. id=eq.abc on bigint.
const invalidTextRepresentation = "22P02"

// PostgREST talks to a hosted PostgREST endpoint (Supabase's /rest/v1).
// Filters are pushed to the server.
type PostgREST struct {
	BaseURL string
	client  *postgrest.Client
}

// NewPostgREST builds a client for the project at projectURL. rt replaces the
// default transport when non-nil.
func NewPostgREST(projectURL, key string, rt http.RoundTripper) *PostgREST {
	base := strings.TrimRight(projectURL, "/") + "/rest/v1"
	client := postgrest.NewClient(base, "public", map[string]string{
		"apikey":        key,
		"Authorization": "Bearer " + key,
	})
	if rt != nil && client.Transport != nil {
		client.Transport.Parent = rt
	}
	return &PostgREST{BaseURL: base, client: client}
}

// rowID accepts both bigint identity and uuid primary keys.
type rowID string

func (id *rowID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = rowID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = rowID(n.String())
	return nil
}

type userRow struct {
	ID    rowID  `json:"id,omitempty"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (r userRow) user() model.User {
	return model.User{ID: string(r.ID), Name: r.Name, Email: r.Email}
}

type capsuleRow struct {
	ID             rowID  `json:"id,omitempty"`
	Title          string `json:"title"`
	Message        string `json:"message"`
	RecipientEmail string `json:"recipient_email"`
	ScheduledTime  string `json:"scheduled_time"`
	IsDelivered    bool   `json:"is_delivered"`
}

func (r capsuleRow) capsule() (model.Capsule, error) {
	at, err := parseInstant(r.ScheduledTime)
	if err != nil {
		return model.Capsule{}, fmt.Errorf("capsule %s: %w", r.ID, err)
	}
	return model.Capsule{
		ID:             string(r.ID),
		Title:          r.Title,
		Message:        r.Message,
		RecipientEmail: r.RecipientEmail,
		ScheduledTime:  at,
		IsDelivered:    r.IsDelivered,
	}, nil
}

// parseInstant reads timestamptz output, and treats a bare timestamp as UTC.
func parseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999999Z07", "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid scheduled_time %q", s)
}

func formatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// notFound reports whether err is PostgREST rejecting a malformed key. A key
// that cannot exist is the same as a key that does not.
func notFound(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "("+invalidTextRepresentation+")")
}

// The client has no request context, so cancellation is checked up front.
func (p *PostgREST) ready(ctx context.Context) error {
	return ctx.Err()
}

func (p *PostgREST) CreateUser(ctx context.Context, name, email string) (model.User, error) {
	if err := p.ready(ctx); err != nil {
		return model.User{}, storeErr("insert", TableUsers, err)
	}
	var rows []userRow
	_, err := p.client.From(TableUsers).
		Insert(userRow{Name: name, Email: email}, false, "", "representation", "").
		ExecuteTo(&rows)
	if err != nil {
		return model.User{}, storeErr("insert", TableUsers, err)
	}
	if len(rows) == 0 {
		return model.User{}, storeErr("insert", TableUsers, errors.New("no row returned"))
	}
	return rows[0].user(), nil
}

func (p *PostgREST) ListUsers(ctx context.Context) ([]model.User, error) {
	if err := p.ready(ctx); err != nil {
		return nil, storeErr("select", TableUsers, err)
	}
	var rows []userRow
	if _, err := p.client.From(TableUsers).Select("*", "", false).ExecuteTo(&rows); err != nil {
		return nil, storeErr("select", TableUsers, err)
	}
	users := make([]model.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, r.user())
	}
	return users, nil
}

func (p *PostgREST) GetUser(ctx context.Context, id string) (model.User, error) {
	if err := p.ready(ctx); err != nil {
		return model.User{}, storeErr("select", TableUsers, err)
	}
	var rows []userRow
	_, err := p.client.From(TableUsers).Select("*", "", false).Eq("id", id).ExecuteTo(&rows)
	if notFound(err) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, storeErr("select", TableUsers, err)
	}
	if len(rows) == 0 {
		return model.User{}, ErrNotFound
	}
	return rows[0].user(), nil
}

func (p *PostgREST) CreateCapsule(ctx context.Context, c model.NewCapsule) (model.Capsule, error) {
	if err := p.ready(ctx); err != nil {
		return model.Capsule{}, storeErr("insert", TableCapsules, err)
	}
	row := capsuleRow{
		Title:          c.Title,
		Message:        c.Message,
		RecipientEmail: c.RecipientEmail,
		ScheduledTime:  formatInstant(c.ScheduledTime),
		IsDelivered:    false,
	}
	var rows []capsuleRow
	if _, err := p.client.From(TableCapsules).Insert(row, false, "", "representation", "").ExecuteTo(&rows); err != nil {
		return model.Capsule{}, storeErr("insert", TableCapsules, err)
	}
	if len(rows) == 0 {
		return model.Capsule{}, storeErr("insert", TableCapsules, errors.New("no row returned"))
	}
	created, err := rows[0].capsule()
	return created, storeErr("insert", TableCapsules, err)
}

func (p *PostgREST) selectCapsules(ctx context.Context, filter func(*postgrest.FilterBuilder) *postgrest.FilterBuilder) ([]model.Capsule, error) {
	if err := p.ready(ctx); err != nil {
		return nil, storeErr("select", TableCapsules, err)
	}
	q := p.client.From(TableCapsules).Select("*", "", false)
	if filter != nil {
		q = filter(q)
	}
	var rows []capsuleRow
	if _, err := q.ExecuteTo(&rows); err != nil {
		return nil, storeErr("select", TableCapsules, err)
	}
	capsules := make([]model.Capsule, 0, len(rows))
	for _, r := range rows {
		c, err := r.capsule()
		if err != nil {
			return nil, storeErr("select", TableCapsules, err)
		}
		capsules = append(capsules, c)
	}
	return capsules, nil
}

func (p *PostgREST) ListCapsules(ctx context.Context) ([]model.Capsule, error) {
	return p.selectCapsules(ctx, nil)
}

func (p *PostgREST) ListPending(ctx context.Context) ([]model.Capsule, error) {
	return p.selectCapsules(ctx, func(q *postgrest.FilterBuilder) *postgrest.FilterBuilder {
		return q.Eq("is_delivered", "false")
	})
}

func (p *PostgREST) ListPendingDue(ctx context.Context, at time.Time) ([]model.Capsule, error) {
	return p.selectCapsules(ctx, func(q *postgrest.FilterBuilder) *postgrest.FilterBuilder {
		return q.Eq("is_delivered", "false").
			Lte("scheduled_time", formatInstant(at)).
			Order("scheduled_time", &postgrest.OrderOpts{Ascending: true})
	})
}

func (p *PostgREST) MarkDelivered(ctx context.Context, id string) error {
	if err := p.ready(ctx); err != nil {
		return storeErr("update", TableCapsules, err)
	}
	var rows []capsuleRow
	_, err := p.client.From(TableCapsules).
		Update(map[string]bool{"is_delivered": true}, "representation", "").
		Eq("id", id).
		Eq("is_delivered", "false").
		ExecuteTo(&rows)
	if notFound(err) {
		return ErrNotFound
	}
	if err != nil {
		return storeErr("update", TableCapsules, err)
	}
	if len(rows) > 0 {
		return nil
	}

	// Nothing changed: either already delivered or no such capsule.
	var existing []capsuleRow
	if _, err := p.client.From(TableCapsules).Select("id", "", false).Eq("id", id).ExecuteTo(&existing); err != nil {
		return storeErr("select", TableCapsules, err)
	}
	if len(existing) == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgREST) Close() error { return nil }
