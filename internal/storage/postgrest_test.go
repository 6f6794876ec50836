package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const testKey = "test-anon-key"

// fakePostgREST implements the slice of the PostgREST protocol the store uses:
// eq and lte filters, return=representation on writes, bigint ids.
type fakePostgREST struct {
	mu     sync.Mutex
	nextID int
	tables map[string][]map[string]any
}

func newTestPostgREST(t *testing.T) *PostgREST {
	t.Helper()

	fake := &fakePostgREST{tables: map[string][]map[string]any{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewPostgREST(srv.URL+"/", testKey, nil)
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("apikey") != testKey || r.Header.Get("Authorization") != "Bearer "+testKey {
		http.Error(w, `{"message":"invalid api key"}`, http.StatusUnauthorized)
		return
	}
	table := strings.TrimPrefix(r.URL.Path, "/rest/v1/")
	if table != TableUsers && table != TableCapsules {
		http.Error(w, `{"message":"relation does not exist"}`, http.StatusNotFound)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	rows, ok := f.match(table, r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"code":    "22P02",
			"message": "invalid input syntax for type bigint",
		})
		return
	}

	switch r.Method {
	case http.MethodGet:
		if strings.HasPrefix(r.URL.Query().Get("order"), "scheduled_time.asc") {
			sort.SliceStable(rows, func(i, j int) bool {
				return mustTime(rows[i]["scheduled_time"]).Before(mustTime(rows[j]["scheduled_time"]))
			})
		}
		writeJSON(w, http.StatusOK, rows)
	case http.MethodPost:
		var row map[string]any
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.nextID++
		row["id"] = f.nextID
		if ts, ok := row["scheduled_time"].(string); ok {
			row["scheduled_time"] = mustTime(ts).Format("2006-01-02T15:04:05.999999-07:00")
		}
		f.tables[table] = append(f.tables[table], row)
		if !strings.Contains(r.Header.Get("Prefer"), "return=representation") {
			w.WriteHeader(http.StatusCreated)
			return
		}
		writeJSON(w, http.StatusCreated, []map[string]any{row})
	case http.MethodPatch:
		var patch map[string]any
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, row := range rows {
			for k, v := range patch {
				row[k] = v
			}
		}
		writeJSON(w, http.StatusOK, rows)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// match applies the request filters. It reports false when an id filter is
// not a bigint, which Postgres rejects before reading any row.
func (f *fakePostgREST) match(table string, r *http.Request) ([]map[string]any, bool) {
	if id := r.URL.Query().Get("id"); id != "" {
		if _, err := strconv.Atoi(strings.TrimPrefix(id, "eq.")); err != nil {
			return nil, false
		}
	}
	matched := []map[string]any{}
	for _, row := range f.tables[table] {
		ok := true
		for key, values := range r.URL.Query() {
			if key == "select" || key == "order" {
				continue
			}
			op, want, _ := strings.Cut(values[0], ".")
			got := fmt.Sprint(row[key])
			switch op {
			case "eq":
				ok = ok && got == want
			case "lte":
				ok = ok && !mustTime(got).After(mustTime(want))
			}
		}
		if ok {
			matched = append(matched, row)
		}
	}
	return matched, true
}

func mustTime(v any) time.Time {
	t, err := parseInstant(fmt.Sprint(v))
	if err != nil {
		panic(err)
	}
	return t
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestPostgRESTErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"permission denied"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	p := NewPostgREST(srv.URL, testKey, nil)
	_, err := p.ListPendingDue(context.Background(), time.Now())

	var storeErr *Error
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if storeErr.Table != TableCapsules || storeErr.Op != "select" {
		t.Fatalf("error = %+v", storeErr)
	}
	if !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("error should carry the response body: %v", err)
	}
}

func TestPostgRESTPushesDueFilter(t *testing.T) {
	var (
		path  string
		query url.Values
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		query = r.URL.Query()
		writeJSON(w, http.StatusOK, []any{})
	}))
	defer srv.Close()

	at := time.Date(2026, 5, 1, 17, 30, 0, 0, time.FixedZone("IST", 19800))
	p := NewPostgREST(srv.URL, testKey, nil)
	if _, err := p.ListPendingDue(context.Background(), at); err != nil {
		t.Fatal(err)
	}

	if path != "/rest/v1/"+TableCapsules {
		t.Errorf("path = %q", path)
	}
	for key, want := range map[string]string{
		"select":         "*",
		"is_delivered":   "eq.false",
		"scheduled_time": "lte.2026-05-01T12:00:00Z",
	} {
		if got := query.Get(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
	if !strings.HasPrefix(query.Get("order"), "scheduled_time.asc") {
		t.Errorf("order = %q", query.Get("order"))
	}
}

func TestPostgRESTMalformedIDIsNotFound(t *testing.T) {
	ctx := context.Background()
	p := newTestPostgREST(t)

	if _, err := p.GetUser(ctx, "abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetUser: expected ErrNotFound, got %v", err)
	}
	if err := p.MarkDelivered(ctx, "abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkDelivered: expected ErrNotFound, got %v", err)
	}
}

func TestPostgRESTCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestPostgREST(t)
	if _, err := p.ListUsers(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestParseInstant(t *testing.T) {
	want := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, in := range []string{
		"2026-05-01T12:00:00Z",
		"2026-05-01T12:00:00+00:00",
		"2026-05-01T17:30:00+05:30",
		"2026-05-01T12:00:00",
		"2026-05-01 12:00:00",
		"2026-05-01T12:00:00+00",
	} {
		got, err := parseInstant(in)
		if err != nil {
			t.Errorf("parseInstant(%q): %v", in, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("parseInstant(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := parseInstant("yesterday"); err == nil {
		t.Error("expected error")
	}
}
