// Package consumer drains the partitioned stream into the database and
// fans the result out.
//
// The pool runs one worker per partition, which preserves per-conversation
// order: a conversation maps to exactly one partition and exactly one
// goroutine processes that partition at a time. Each delivered entry goes
// through four steps in order:
//
//  1. a database transaction writing the message row, seeding persisted
//     receipts for its explicit recipients, and touching the conversation,
//  2. a message.receive event on the conversation subject,
//  3. a receipt.update event to the sender marking the message persisted,
//  4. a write-through into the replay cache,
//
// and only then acknowledges the entry. A failure anywhere leaves the entry
// pending, so every step must tolerate re-execution; the insert is keyed on
// the message id and the downstream writes are idempotent by the same id.
//
// Failed entries retry in process with short backoff first. If the entry
// still fails it stays unacknowledged and is claimed again after the
// visibility timeout, and once its delivery count passes the retry ceiling
// it moves to the dead-letter stream with the terminal error. Sustained
// database slowness shrinks the batch size and stretches polling instead of
// piling more load on the writer.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/chatwire/go-chat-transport/internal/bus"
	"github.com/chatwire/go-chat-transport/internal/domain"
	"github.com/chatwire/go-chat-transport/internal/repo"
	"github.com/chatwire/go-chat-transport/internal/stream"
)

// consumerEntriesTotal counts entries fully processed and acknowledged,
// per partition.
var consumerEntriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "consumer_entries_total",
		Help: "Stream entries processed and acknowledged.",
	},
	[]string{"partition"},
)

// consumerFailuresTotal counts handling failures by the step that failed.
var consumerFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "consumer_failures_total",
		Help: "Entry handling failures by pipeline step.",
	},
	[]string{"step"},
)

// consumerDeadLettersTotal counts entries routed to the dead-letter stream.
var consumerDeadLettersTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "consumer_dead_letters_total",
		Help: "Entries moved to the dead-letter stream.",
	},
)

// consumerTxSeconds observes the persistence transaction latency that
// drives backpressure.
var consumerTxSeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "consumer_tx_seconds",
		Help:    "Message persistence transaction latency in seconds.",
		Buckets: prometheus.DefBuckets,
	},
)

// consumerBatchSize exports each worker's current adaptive batch budget.
var consumerBatchSize = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "consumer_batch_size",
		Help: "Current adaptive read batch size per partition.",
	},
	[]string{"partition"},
)

func init() {
	prometheus.MustRegister(
		consumerEntriesTotal,
		consumerFailuresTotal,
		consumerDeadLettersTotal,
		consumerTxSeconds,
		consumerBatchSize,
	)
}

// ReplayStore is the slice of the replay cache the pool writes through to.
type ReplayStore interface {
	Store(ctx context.Context, env *domain.Envelope) error
}

// Options tunes the pool. Zero values fall back to the defaults noted.
type Options struct {
	Instance     string        // consumer name prefix, unique per process
	RetryCeiling int64         // deliveries before dead-letter (3)
	Visibility   time.Duration // pending age before another worker claims (30s)
	BatchMax     int64         // read batch upper bound (32)
	Block        time.Duration // poll block on an idle partition (2s)
	TxBudget     time.Duration // transaction latency triggering backpressure (200ms)
}

// Pool owns the per-partition workers.
type Pool struct {
	db     *gorm.DB
	broker stream.Broker
	bus    bus.Bus
	replay ReplayStore
	opts   Options
	log    zerolog.Logger
}

// NewPool wires a pool over its dependencies. The broker's consumer group
// must already exist (stream.Broker.EnsureGroups).
func NewPool(db *gorm.DB, broker stream.Broker, b bus.Bus, rs ReplayStore, opts Options, log zerolog.Logger) *Pool {
	if opts.RetryCeiling < 1 {
		opts.RetryCeiling = 3
	}
	if opts.Visibility <= 0 {
		opts.Visibility = 30 * time.Second
	}
	if opts.BatchMax < 1 {
		opts.BatchMax = 32
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.TxBudget <= 0 {
		opts.TxBudget = 200 * time.Millisecond
	}
	return &Pool{db: db, broker: broker, bus: b, replay: rs, opts: opts, log: log}
}

// Run starts one worker per partition and blocks until ctx is canceled.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.broker.Partitions(); i++ {
		wg.Add(1)
		go func(partition int) {
			defer wg.Done()
			p.worker(ctx, partition)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

// worker loops one partition: claim entries stuck past the visibility
// timeout first, then poll for new ones, and process whatever arrived in
// order.
func (p *Pool) worker(ctx context.Context, partition int) {
	consumer := fmt.Sprintf("%s:%d", p.opts.Instance, partition)
	log := p.log.With().Int("partition", partition).Str("consumer", consumer).Logger()
	th := newThrottle(p.opts.TxBudget, p.opts.BatchMax, p.opts.Block)
	gauge := consumerBatchSize.WithLabelValues(strconv.Itoa(partition))

	log.Info().Msg("consumer worker started")
	for ctx.Err() == nil {
		gauge.Set(float64(th.batchSize()))

		entries, err := p.broker.Claim(ctx, partition, consumer, p.opts.Visibility, th.batchSize())
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("claim pending entries failed")
				sleep(ctx, time.Second)
			}
			continue
		}
		if len(entries) == 0 {
			entries, err = p.broker.ReadGroup(ctx, partition, consumer, th.batchSize(), th.pollBlock())
			if err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Msg("read stream failed")
					sleep(ctx, time.Second)
				}
				continue
			}
		}
		if len(entries) == 0 {
			continue
		}
		p.drain(ctx, log, th, partition, entries)
	}
	log.Info().Msg("consumer worker stopped")
}

// drain processes a delivered batch in order. A failed entry below the
// retry ceiling stops the batch so later entries of the partition cannot
// overtake it; a failed entry at the ceiling is dead-lettered and the batch
// continues behind it.
func (p *Pool) drain(ctx context.Context, log zerolog.Logger, th *throttle, partition int, entries []stream.Entry) {
	part := strconv.Itoa(partition)
	acked := make([]string, 0, len(entries))

	for _, e := range entries {
		if e.DeliveryCount > p.opts.RetryCeiling {
			// Every allowed delivery already failed; route it without
			// burning another attempt.
			p.deadLetter(ctx, log, e, "retry ceiling exceeded")
			continue
		}

		err := p.handle(ctx, th, e)
		if err == nil {
			acked = append(acked, e.ID)
			consumerEntriesTotal.WithLabelValues(part).Inc()
			continue
		}

		log.Error().Err(err).
			Str("message_id", e.Envelope.MessageID).
			Str("conversation_id", e.Envelope.ConversationID).
			Int64("delivery", e.DeliveryCount).
			Msg("entry processing failed")

		if e.DeliveryCount >= p.opts.RetryCeiling {
			p.deadLetter(ctx, log, e, err.Error())
			continue
		}
		// Leave it pending for a later claim and stop here so the
		// partition stays in order.
		break
	}

	if len(acked) > 0 {
		if err := p.broker.Ack(ctx, partition, acked...); err != nil {
			log.Error().Err(err).Int("entries", len(acked)).Msg("ack failed")
		}
	}
}

// handle runs one entry through the pipeline, retrying in process with
// backoff. The delays sum to well under the visibility timeout, so the
// entry cannot be claimed away mid-retry.
func (p *Pool) handle(ctx context.Context, th *throttle, e stream.Entry) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = p.process(ctx, th, e)
		if lastErr == nil {
			return nil
		}
		if attempt >= len(backoffDelays) || ctx.Err() != nil {
			return lastErr
		}
		sleep(ctx, backoffDelays[attempt])
	}
}

// process executes the four pipeline steps for one entry. Each step is
// idempotent by message id, so a redelivery after a partial failure
// converges instead of duplicating.
func (p *Pool) process(ctx context.Context, th *throttle, e stream.Entry) error {
	env := e.Envelope

	start := time.Now()
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created, err := repo.InsertMessage(ctx, tx, env)
		if err != nil {
			return err
		}
		if created && len(env.RecipientIDs) > 0 {
			if err := p.seedReceipts(ctx, tx, env); err != nil {
				return err
			}
		}
		// A conversation deleted between accept and persist is tolerated;
		// the message row still stands. Anything else fails the entry.
		err = repo.TouchConversation(ctx, tx, env.ConversationID, env.AcceptedAt)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return nil
	})
	elapsed := time.Since(start)
	consumerTxSeconds.Observe(elapsed.Seconds())
	th.observe(elapsed)
	if err != nil {
		consumerFailuresTotal.WithLabelValues("db").Inc()
		return fmt.Errorf("persist message %s: %w", env.MessageID, err)
	}

	persisted := *env
	persisted.State = domain.StatePersisted
	now := time.Now().UTC()

	receive := &bus.Event{
		Type:           bus.EventMessageReceive,
		ConversationID: env.ConversationID,
		MessageID:      env.MessageID,
		Envelope:       &persisted,
		At:             now,
	}
	if err := p.bus.Publish(ctx, bus.SubjectConversation(env.ConversationID), receive); err != nil {
		consumerFailuresTotal.WithLabelValues("bus").Inc()
		return fmt.Errorf("publish message %s: %w", env.MessageID, err)
	}

	update := &bus.Event{
		Type:           bus.EventReceiptUpdate,
		ConversationID: env.ConversationID,
		MessageID:      env.MessageID,
		State:          domain.StatePersisted,
		At:             now,
	}
	if err := p.bus.Publish(ctx, bus.SubjectUser(env.SenderID), update); err != nil {
		consumerFailuresTotal.WithLabelValues("bus").Inc()
		return fmt.Errorf("publish receipt update for %s: %w", env.MessageID, err)
	}

	if err := p.replay.Store(ctx, &persisted); err != nil {
		consumerFailuresTotal.WithLabelValues("replay").Inc()
		return fmt.Errorf("cache message %s: %w", env.MessageID, err)
	}
	return nil
}

// seedReceipts writes a persisted receipt for every explicit recipient that
// is neither the sender nor blocked in the conversation.
func (p *Pool) seedReceipts(ctx context.Context, tx *gorm.DB, env *domain.Envelope) error {
	blocked, err := repo.BlockedMemberIDs(ctx, tx, env.ConversationID)
	if err != nil {
		return err
	}
	skip := make(map[string]struct{}, len(blocked)+1)
	skip[env.SenderID] = struct{}{}
	for _, id := range blocked {
		skip[id] = struct{}{}
	}
	for _, recipient := range env.RecipientIDs {
		if _, ok := skip[recipient]; ok {
			continue
		}
		if _, err := repo.CreateReceipt(ctx, tx, env.MessageID, recipient, domain.StatePersisted, env.AcceptedAt); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) deadLetter(ctx context.Context, log zerolog.Logger, e stream.Entry, reason string) {
	if err := p.broker.DeadLetter(ctx, e, reason); err != nil {
		log.Error().Err(err).Str("message_id", e.Envelope.MessageID).Msg("dead-letter failed")
		return
	}
	consumerDeadLettersTotal.Inc()
	log.Warn().
		Str("message_id", e.Envelope.MessageID).
		Str("conversation_id", e.Envelope.ConversationID).
		Int64("delivery", e.DeliveryCount).
		Str("reason", reason).
		Msg("entry dead-lettered")
}

// sleep waits d or until ctx is canceled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
