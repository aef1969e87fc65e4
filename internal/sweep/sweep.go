package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sourpls22-ux/MiraVPN/internal/metrics"
	"github.com/sourpls22-ux/MiraVPN/internal/models"
)

// ErrRemoteEmpty means the panel listed no users while local accounts exist.
var ErrRemoteEmpty = errors.New("panel returned no users")

type AccountStore interface {
	ListAll(ctx context.Context) ([]models.Account, error)
	TouchLastChecked(ctx context.Context, telegramID int64, at time.Time) error
}

type Panel interface {
	ListUsers(ctx context.Context) ([]models.PanelAccount, error)
}

// Notifier delivers the "limit reached" message with the purchase actions.
type Notifier interface {
	NotifyLimited(ctx context.Context, account models.Account, remote models.PanelAccount) error
}

// Result summarizes one sweep.
type Result struct {
	RunID    string `json:"run_id"`
	Checked  int    `json:"checked"`
	Limited  int    `json:"limited"`
	Notified int    `json:"notified"`
	Failed   int    `json:"failed"`
	Missing  int    `json:"missing"`
}

// Sweeper reconciles local accounts against the panel and notifies accounts
// that hit their traffic limit. A limited account is notified on every run.
type Sweeper struct {
	log      *slog.Logger
	store    AccountStore
	panel    Panel
	notifier Notifier
	interval time.Duration
	now      func() time.Time

	// serializes ticker runs with runs triggered over HTTP
	mu sync.Mutex
}

func New(log *slog.Logger, store AccountStore, panel Panel, notifier Notifier, interval time.Duration) *Sweeper {
	return &Sweeper{
		log:      log,
		store:    store,
		panel:    panel,
		notifier: notifier,
		interval: interval,
		now:      time.Now,
	}
}

// RunOnce performs a single sweep. An error means nothing was stamped.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := Result{RunID: uuid.NewString()}
	log := s.log.With("run_id", res.RunID)

	accounts, err := s.store.ListAll(ctx)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("store_failed").Inc()
		log.Error("sweep: list local accounts", "err", err)
		return res, fmt.Errorf("list accounts: %w", err)
	}
	if len(accounts) == 0 {
		metrics.SweepRuns.WithLabelValues("empty").Inc()
		log.Debug("sweep: no local accounts")
		return res, nil
	}

	remote, err := s.panel.ListUsers(ctx)
	if err == nil && len(remote) == 0 {
		err = ErrRemoteEmpty
	}
	if err != nil {
		metrics.SweepRuns.WithLabelValues("remote_failed").Inc()
		log.Error("sweep: list panel users", "err", err, "local_accounts", len(accounts))
		return res, fmt.Errorf("list panel users: %w", err)
	}

	byName := make(map[string]models.PanelAccount, len(remote))
	for _, r := range remote {
		byName[r.Username] = r
	}

	for _, acc := range accounts {
		if ctx.Err() != nil {
			break
		}
		snap, ok := byName[acc.Username]
		if !ok {
			res.Missing++
			metrics.SweepMissingRemote.Inc()
			log.Warn("sweep: account missing on panel", "telegram_id", acc.TelegramID, "username", acc.Username)
			continue
		}
		res.Checked++

		if snap.Status == models.PanelStatusLimited {
			res.Limited++
			if err := s.notifier.NotifyLimited(ctx, acc, snap); err != nil {
				res.Failed++
				metrics.SweepNotifications.WithLabelValues("failed").Inc()
				log.Error("sweep: notify limited account", "telegram_id", acc.TelegramID, "err", err)
			} else {
				res.Notified++
				metrics.SweepNotifications.WithLabelValues("sent").Inc()
			}
		}

		if err := s.store.TouchLastChecked(ctx, acc.TelegramID, s.now().UTC()); err != nil {
			log.Error("sweep: stamp last check", "telegram_id", acc.TelegramID, "err", err)
		}
	}

	metrics.SweepRuns.WithLabelValues("ok").Inc()
	log.Info("sweep finished",
		"checked", res.Checked,
		"limited", res.Limited,
		"notified", res.Notified,
		"failed", res.Failed,
		"missing", res.Missing,
	)
	return res, nil
}

// Run sweeps every interval until ctx is cancelled. With runFirst set the
// first sweep happens immediately.
func (s *Sweeper) Run(ctx context.Context, runFirst bool) {
	s.log.Info("sweeper started", "interval", s.interval)
	if runFirst {
		_, _ = s.RunOnce(ctx)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			_, _ = s.RunOnce(ctx)
		}
	}
}
