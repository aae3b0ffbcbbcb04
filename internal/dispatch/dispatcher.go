// Package dispatch turns pending messages into deliveries and records
// their outcome.
package dispatch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nhle/mailer/internal/metrics"
	"github.com/nhle/mailer/internal/pool"
	"github.com/nhle/mailer/internal/store"
)

// Acquirer hands out account sessions.
type Acquirer interface {
	Acquire(ctx context.Context, accountID string) (*pool.Entry, error)
}

// Report summarises one cycle.
type Report struct {
	Messages        int
	Accounts        int
	SkippedAccounts int
	Completed       int
	Jobs            int
	Result
}

// Dispatcher runs dispatch cycles.
type Dispatcher struct {
	store   store.Store
	pool    Acquirer
	tracker *Tracker
	log     zerolog.Logger
}

// NewDispatcher returns a Dispatcher.
func NewDispatcher(s store.Store, p Acquirer, t *Tracker, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   s,
		pool:    p,
		tracker: t,
		log:     logger.With().Str("component", "dispatcher").Logger(),
	}
}

// RunCycle loads pending messages, acquires a session per account, marks
// messages with nothing left to send complete and delivers the rest.
// Accounts without a usable session are skipped and their messages left
// untouched. Only the initial load aborts the cycle.
func (d *Dispatcher) RunCycle(ctx context.Context) (Report, error) {
	messages, err := d.store.FindPendingMessages(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("loading pending messages: %w", err)
	}

	report := Report{Messages: len(messages)}
	if len(messages) == 0 {
		return report, nil
	}

	sessions := make(map[string]*pool.Entry)
	attempted := make(map[string]bool)
	for _, m := range messages {
		if attempted[m.AccountID] {
			continue
		}
		attempted[m.AccountID] = true
		report.Accounts++

		entry, err := d.pool.Acquire(ctx, m.AccountID)
		if err != nil {
			report.SkippedAccounts++
			event := d.log.Error()
			if pool.IsConnectError(err) {
				event = d.log.Warn()
			}
			event.Err(err).Str("account", m.AccountID).Msg("skipping account this cycle")
			continue
		}
		sessions[m.AccountID] = entry
	}

	var jobs []Job
	for _, m := range messages {
		entry, ok := sessions[m.AccountID]
		if !ok {
			continue
		}

		unsent := m.Unsent()
		if len(unsent) == 0 {
			if err := d.store.MarkMessageComplete(ctx, m.ID); err != nil {
				d.log.Error().Err(err).Str("message", m.ID).Msg("marking message complete")
				continue
			}
			report.Completed++
			continue
		}

		for _, r := range unsent {
			jobs = append(jobs, Job{
				Session:   entry.Session,
				AccountID: m.AccountID,
				From:      entry.Sender,
				To:        r.Email,
				Subject:   m.Subject,
				Body:      m.Body,
				MessageID: m.ID,
				ContactID: r.ContactID,
			})
		}
	}
	metrics.RecordCompleted(report.Completed)

	report.Jobs = len(jobs)
	report.Result = d.tracker.Execute(ctx, jobs)

	return report, nil
}
