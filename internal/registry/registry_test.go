package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/noahxzhu/chrono-capsule/internal/storage"
)

func newTestRegistries(t *testing.T) (*Users, *Capsules) {
	t.Helper()

	store, err := storage.OpenFileFs(afero.NewMemMapFs(), "/capsules.json")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	users := NewUsers(store)
	return users, NewCapsules(store, users)
}

func TestCreateNormalizesToUTC(t *testing.T) {
	_, capsules := newTestRegistries(t)
	ctx := context.Background()

	local := time.Date(2026, 6, 1, 9, 0, 0, 0, time.FixedZone("IST", 19800))
	c, err := capsules.Create(ctx, "Hi", "msg", "x@example.com", local)
	if err != nil {
		t.Fatal(err)
	}
	if c.ScheduledTime.Location() != time.UTC {
		t.Fatalf("location = %v, want UTC", c.ScheduledTime.Location())
	}
	if c.ScheduledTime.Hour() != 3 || c.ScheduledTime.Minute() != 30 {
		t.Fatalf("scheduled = %v, want 03:30 UTC", c.ScheduledTime)
	}

	due, err := capsules.ListPendingDueFor(ctx, local)
	if err != nil || len(due) != 1 {
		t.Fatalf("ListPendingDueFor(local) = %v, %v", due, err)
	}
}

func TestCreateForUserPrefillsRecipient(t *testing.T) {
	users, capsules := newTestRegistries(t)
	ctx := context.Background()

	u, err := users.Create(ctx, "Asha", "asha@example.com")
	if err != nil {
		t.Fatal(err)
	}

	c, err := capsules.CreateForUser(ctx, "Birthday", "Open me", u.ID, time.Now())
	if err != nil {
		t.Fatalf("CreateForUser: %v", err)
	}
	if c.RecipientEmail != "asha@example.com" {
		t.Fatalf("recipient = %q", c.RecipientEmail)
	}

	if _, err := capsules.CreateForUser(ctx, "x", "y", "nobody", time.Now()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown user: err = %v, want ErrNotFound", err)
	}
}

func TestRegistriesDoNotValidateFields(t *testing.T) {
	users, capsules := newTestRegistries(t)
	ctx := context.Background()

	if _, err := users.Create(ctx, "", "not-an-email"); err != nil {
		t.Fatalf("users.Create: %v", err)
	}
	if _, err := capsules.Create(ctx, "", "", "", time.Time{}); err != nil {
		t.Fatalf("capsules.Create: %v", err)
	}
	all, err := capsules.ListAll(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListAll = %v, %v", all, err)
	}
}

func TestListPendingIgnoresDueTime(t *testing.T) {
	_, capsules := newTestRegistries(t)
	ctx := context.Background()
	now := time.Now()

	a, _ := capsules.Create(ctx, "a", "m", "r@example.com", now.Add(-time.Hour))
	if _, err := capsules.Create(ctx, "b", "m", "r@example.com", now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := capsules.MarkDelivered(ctx, a.ID); err != nil {
		t.Fatal(err)
	}

	pending, err := capsules.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Title != "b" {
		t.Fatalf("ListPending = %+v", pending)
	}
}
