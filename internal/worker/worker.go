package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/noahxzhu/chrono-capsule/internal/mailer"
	"github.com/noahxzhu/chrono-capsule/internal/model"
)

const (
	DefaultInterval = 60 * time.Second
	noSubject       = "No Subject"
)

// CapsuleSource is the part of the capsule registry a pass needs.
type CapsuleSource interface {
	ListPendingDueFor(ctx context.Context, at time.Time) ([]model.Capsule, error)
	MarkDelivered(ctx context.Context, id string) error
}

type Options struct {
	// Interval is the pause after each completed pass.
	Interval time.Duration
	// Cron, when set, paces passes by a five-field cron expression instead.
	Cron string
	// SubjectPrefix is prepended to every subject as given; empty means none.
	SubjectPrefix string
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// PassReport summarizes one pass.
type PassReport struct {
	At         time.Time
	Candidates int
	Delivered  int
	Failed     int
	Skipped    int
}

type Worker struct {
	capsules      CapsuleSource
	sender        mailer.Sender
	interval      time.Duration
	cron          string
	subjectPrefix string
	now           func() time.Time

	passMu     sync.Mutex
	updateChan chan struct{}
	onPass     func(PassReport, error)
}

func NewWorker(capsules CapsuleSource, sender mailer.Sender, opts Options) (*Worker, error) {
	if opts.Cron != "" && !gronx.IsValid(opts.Cron) {
		return nil, fmt.Errorf("invalid cron expression %q", opts.Cron)
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Worker{
		capsules:      capsules,
		sender:        sender,
		interval:      opts.Interval,
		cron:          opts.Cron,
		subjectPrefix: opts.SubjectPrefix,
		now:           opts.Now,
		updateChan:    make(chan struct{}, 1),
	}, nil
}

// SetOnPass sets a callback invoked after every pass started by Start.
func (w *Worker) SetOnPass(fn func(PassReport, error)) {
	w.onPass = fn
}

// Refresh asks a running Start loop to begin its next pass now.
func (w *Worker) Refresh() {
	select {
	case w.updateChan <- struct{}{}:
	default:
		// Channel already has a pending signal, no need to block
	}
}

// Compose builds the outbound notification for c.
func Compose(c model.Capsule, subjectPrefix string) model.Notification {
	title := c.Title
	if title == "" {
		title = noSubject
	}
	return model.Notification{
		To:      c.RecipientEmail,
		Subject: subjectPrefix + title,
		Body:    c.Message,
	}
}

// RunPass delivers every capsule due at the current UTC instant. A send
// failure leaves that capsule pending and moves on. A store failure aborts the
// pass; capsules already marked stay marked.
func (w *Worker) RunPass(ctx context.Context) (PassReport, error) {
	w.passMu.Lock()
	defer w.passMu.Unlock()

	report := PassReport{At: w.now().UTC()}
	slog.Info("Checking for capsules to send", "at", report.At.Format(time.RFC3339))

	candidates, err := w.capsules.ListPendingDueFor(ctx, report.At)
	if err != nil {
		return report, fmt.Errorf("fetch due capsules: %w", err)
	}
	report.Candidates = len(candidates)
	if len(candidates) == 0 {
		slog.Info("No capsules to send")
		return report, nil
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if c.RecipientEmail == "" {
			report.Skipped++
			slog.Warn("Skipping capsule without recipient", "capsule_id", c.ID)
			continue
		}

		if err := w.sender.Send(ctx, Compose(c, w.subjectPrefix)); err != nil {
			report.Failed++
			slog.Error("Failed to send capsule", "capsule_id", c.ID, "recipient", c.RecipientEmail, "error", err)
			continue
		}

		if err := w.capsules.MarkDelivered(ctx, c.ID); err != nil {
			return report, fmt.Errorf("mark capsule %s delivered: %w", c.ID, err)
		}
		report.Delivered++
		slog.Info("Capsule delivered", "capsule_id", c.ID, "recipient", c.RecipientEmail,
			"delay", report.At.Sub(c.ScheduledTime).Truncate(time.Second))
	}

	slog.Info("Pass complete", "candidates", report.Candidates, "delivered", report.Delivered,
		"failed", report.Failed, "skipped", report.Skipped)
	return report, nil
}

// nextWait is how long to sleep after a pass that finished at now.
func (w *Worker) nextWait(now time.Time) time.Duration {
	if w.cron == "" {
		return w.interval
	}
	next, err := gronx.NextTickAfter(w.cron, now, false)
	if err != nil {
		slog.Error("Failed to compute next cron tick, using interval", "cron", w.cron, "error", err)
		return w.interval
	}
	if d := next.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Start runs passes back to back, sleeping between them, until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("Worker started", "interval", w.interval, "cron", w.cron)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		report, err := w.RunPass(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("Delivery pass aborted", "error", err)
		}
		if w.onPass != nil {
			w.onPass(report, err)
		}

		wait := w.nextWait(w.now())
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		slog.Debug("Next pass scheduled", "in", wait)

		select {
		case <-ctx.Done():
			slog.Info("Worker stopped")
			return
		case <-w.updateChan:
			slog.Info("Worker received update signal. Refreshing...")
		case <-timer.C:
		}
	}
}
