// Package app wires configuration into the store, registries and worker
// shared by the server and the command-line controller.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/noahxzhu/chrono-capsule/internal/config"
	"github.com/noahxzhu/chrono-capsule/internal/mailer"
	"github.com/noahxzhu/chrono-capsule/internal/registry"
	"github.com/noahxzhu/chrono-capsule/internal/storage"
	"github.com/noahxzhu/chrono-capsule/internal/worker"
)

type App struct {
	Config   *config.Config
	Store    storage.Backend
	Users    *registry.Users
	Capsules *registry.Capsules
}

// SetupLogger installs a JSON slog handler writing to w as the default logger.
func SetupLogger(w io.Writer, level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})))
}

// Open validates the store settings and connects to it.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	users := registry.NewUsers(store)
	return &App{
		Config:   cfg,
		Store:    store,
		Users:    users,
		Capsules: registry.NewCapsules(store, users),
	}, nil
}

// NewWorker builds the delivery worker. Missing mail credentials are a
// configuration error.
func (a *App) NewWorker() (*worker.Worker, error) {
	if err := a.Config.ValidateDelivery(); err != nil {
		return nil, err
	}
	return worker.NewWorker(a.Capsules, newSender(a.Config.Mail), worker.Options{
		Interval:      a.Config.Worker.Interval,
		Cron:          a.Config.Worker.Cron,
		SubjectPrefix: a.Config.Mail.SubjectPrefix,
	})
}

func newSender(m config.MailConfig) *mailer.Client {
	sender := mailer.NewClient(m.Address, m.Password, m.Host, m.Port, m.HTML)
	sender.ImplicitTLS = m.ImplicitTLS
	return sender
}

func (a *App) Close() error {
	return a.Store.Close()
}
