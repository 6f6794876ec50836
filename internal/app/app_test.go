package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/noahxzhu/chrono-capsule/internal/config"
)

func fileConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store:  config.StoreConfig{Backend: config.BackendFile, Path: filepath.Join(t.TempDir(), "capsules.json")},
		Mail:   config.MailConfig{Host: "smtp.example.com", Port: 465},
		Worker: config.WorkerConfig{Interval: time.Minute},
	}
}

func TestOpenFileBackend(t *testing.T) {
	a, err := Open(context.Background(), fileConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if _, err := a.Users.Create(context.Background(), "A", "a@example.com"); err != nil {
		t.Fatal(err)
	}
}

func TestNewWorkerRequiresMailCredentials(t *testing.T) {
	a, err := Open(context.Background(), fileConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	_, err = a.NewWorker()
	var cfgErr *config.Error
	if !errors.As(err, &cfgErr) || len(cfgErr.Missing) != 2 {
		t.Fatalf("NewWorker err = %v", err)
	}

	a.Config.Mail.Address = "sender@example.com"
	a.Config.Mail.Password = "pw"
	if _, err := a.NewWorker(); err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
}

func TestOpenMissingStoreSettings(t *testing.T) {
	cfg := &config.Config{Store: config.StoreConfig{Backend: config.BackendPostgREST}}
	_, err := Open(context.Background(), cfg)
	var cfgErr *config.Error
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *config.Error", err)
	}
}

func TestNewSenderCarriesTransportSettings(t *testing.T) {
	for _, implicit := range []bool{true, false} {
		s := newSender(config.MailConfig{
			Address:     "sender@example.com",
			Password:    "pw",
			Host:        "smtp.example.com",
			Port:        587,
			ImplicitTLS: implicit,
		})
		if s.ImplicitTLS != implicit || s.Port != 587 || s.HTML {
			t.Fatalf("sender = %+v", s)
		}
	}
}
