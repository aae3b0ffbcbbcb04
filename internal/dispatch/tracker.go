package dispatch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailer/internal/metrics"
	"github.com/nhle/mailer/internal/transport"
)

// Job is one delivery of a message to one recipient.
type Job struct {
	Session   transport.Session
	AccountID string
	From      string
	To        string
	Subject   string
	Body      string
	MessageID string
	ContactID string
}

// StatusWriter records delivery outcomes.
type StatusWriter interface {
	MarkRecipientSent(ctx context.Context, messageID, contactID string) error
	MarkRecipientFailed(ctx context.Context, messageID, contactID string) error
}

// Result counts the outcomes of one Execute call.
type Result struct {
	Sent   int
	Failed int

	// Unrecorded counts sends the server accepted but the store did not
	// record. Those recipients stay unsent and are delivered again.
	Unrecorded int
}

func (r *Result) add(o Result) {
	r.Sent += o.Sent
	r.Failed += o.Failed
	r.Unrecorded += o.Unrecorded
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeUnrecorded
)

// Tracker sends jobs and writes each recipient's status.
type Tracker struct {
	store   StatusWriter
	workers int
	log     zerolog.Logger
}

// NewTracker returns a Tracker. With workers <= 1 jobs run strictly in
// order; otherwise up to workers accounts are delivered in parallel, each
// account's jobs still in order.
func NewTracker(s StatusWriter, workers int, logger zerolog.Logger) *Tracker {
	if workers < 1 {
		workers = 1
	}
	return &Tracker{
		store:   s,
		workers: workers,
		log:     logger.With().Str("component", "tracker").Logger(),
	}
}

// Execute delivers every job. A failed send marks the recipient failed and
// leaves it unsent so the next cycle retries it.
func (t *Tracker) Execute(ctx context.Context, jobs []Job) Result {
	if t.workers == 1 {
		return t.run(ctx, jobs)
	}

	var (
		mu    sync.Mutex
		total Result
		g     errgroup.Group
	)
	g.SetLimit(t.workers)

	for _, group := range groupByAccount(jobs) {
		g.Go(func() error {
			r := t.run(ctx, group)
			mu.Lock()
			total.add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return total
}

func (t *Tracker) run(ctx context.Context, jobs []Job) Result {
	var r Result
	for _, job := range jobs {
		switch t.deliver(ctx, job) {
		case outcomeSent:
			r.Sent++
		case outcomeFailed:
			r.Failed++
		case outcomeUnrecorded:
			r.Unrecorded++
		}
	}
	return r
}

func (t *Tracker) deliver(ctx context.Context, job Job) outcome {
	err := job.Session.Send(ctx, transport.Envelope{
		From:    job.From,
		To:      job.To,
		Subject: job.Subject,
		Body:    job.Body,
	})
	if err != nil {
		metrics.RecordDelivery(metrics.ResultFailed)
		t.log.Warn().Err(err).
			Str("account", job.AccountID).
			Str("message", job.MessageID).
			Str("to", job.To).
			Bool("permanent", transport.IsPermanent(err)).
			Msg("delivery failed")

		if err := t.store.MarkRecipientFailed(ctx, job.MessageID, job.ContactID); err != nil {
			t.log.Error().Err(err).
				Str("message", job.MessageID).
				Str("contact", job.ContactID).
				Msg("recording failed delivery")
		}
		return outcomeFailed
	}

	metrics.RecordDelivery(metrics.ResultSent)
	if err := t.store.MarkRecipientSent(ctx, job.MessageID, job.ContactID); err != nil {
		t.log.Error().Err(err).
			Str("message", job.MessageID).
			Str("contact", job.ContactID).
			Msg("recording delivery; recipient will be sent again")
		return outcomeUnrecorded
	}
	return outcomeSent
}

// groupByAccount splits jobs per account, keeping the order in which
// accounts first appear and each account's job order.
func groupByAccount(jobs []Job) [][]Job {
	index := make(map[string]int)
	var groups [][]Job
	for _, job := range jobs {
		i, ok := index[job.AccountID]
		if !ok {
			i = len(groups)
			index[job.AccountID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], job)
	}
	return groups
}
