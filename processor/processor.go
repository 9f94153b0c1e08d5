// Package processor implements the transactional stream consumer: it
// reads domain events from Redis Streams under a consumer group,
// dispatches them to projection handlers, and acknowledges entries only
// after the store write succeeded.
//
// Guarantees:
//   - at-least-once delivery via consumer groups with manual XACK
//   - effective exactly-once via per-event deduplication marks
//   - no loss across restarts via XPENDING recovery at startup
//   - a dead letter stream for entries that exhaust their retries
package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/billie-money/servicing-processor/envelope"
	"github.com/billie-money/servicing-processor/event"
	"github.com/billie-money/servicing-processor/handlers"
	"github.com/billie-money/servicing-processor/projection"
)

// Config carries the stream topology and processing knobs.
type Config struct {
	InboxStream    string
	InternalStream string
	ConsumerGroup  string
	DLQStream      string
	MaxRetries     int64
	DedupTTL       time.Duration
	BatchSize      int64
	BlockTimeout   time.Duration
}

// Processor consumes the inbox and internal streams and applies events
// to the projection store.
type Processor struct {
	rdb        redis.UniversalClient
	db         projection.DB
	registry   *handlers.Registry
	cfg        Config
	metrics    *Metrics
	consumerID string
}

// New builds a processor. The consumer name embeds the pid and start
// time so stale consumers from previous runs are distinguishable in
// XPENDING output.
func New(rdb redis.UniversalClient, db projection.DB, registry *handlers.Registry, cfg Config, m *Metrics) *Processor {
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Processor{
		rdb:        rdb,
		db:         db,
		registry:   registry,
		cfg:        cfg,
		metrics:    m,
		consumerID: fmt.Sprintf("processor-%d-%s", os.Getpid(), time.Now().UTC().Format("20060102150405")),
	}
}

// ConsumerID returns the consumer name used within the group.
func (p *Processor) ConsumerID() string { return p.consumerID }

func (p *Processor) streams() []string {
	return []string{p.cfg.InboxStream, p.cfg.InternalStream}
}

// Run creates the consumer groups, drains entries left pending by
// previous consumers, then reads new entries until the context is
// cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for _, stream := range p.streams() {
		if err := p.ensureGroup(ctx, stream); err != nil {
			return err
		}
	}
	for _, stream := range p.streams() {
		if err := p.recoverPending(ctx, stream); err != nil {
			return err
		}
	}

	log.Print(ctx, log.KV{K: "msg", V: "processor started"},
		log.KV{K: "consumer_id", V: p.consumerID},
		log.KV{K: "inbox_stream", V: p.cfg.InboxStream},
		log.KV{K: "internal_stream", V: p.cfg.InternalStream})

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := p.readBatch(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf(ctx, err, "read batch")
			time.Sleep(time.Second)
		}
	}
}

// ensureGroup creates the consumer group at the start of the stream,
// tolerating a group that already exists.
func (p *Processor) ensureGroup(ctx context.Context, stream string) error {
	err := p.rdb.XGroupCreateMkStream(ctx, stream, p.cfg.ConsumerGroup, "0").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			log.Debug(ctx, log.KV{K: "msg", V: "consumer group exists"}, log.KV{K: "stream", V: stream})
			return nil
		}
		return fmt.Errorf("create consumer group on %s: %w", stream, err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "created consumer group"},
		log.KV{K: "stream", V: stream}, log.KV{K: "group", V: p.cfg.ConsumerGroup})
	return nil
}

// recoverPending claims and reprocesses entries that were delivered but
// never acknowledged. The delivery count observed before the claim
// carries over so poisoned entries still reach the dead letter stream.
func (p *Processor) recoverPending(ctx context.Context, stream string) error {
	recovered := 0
	for {
		pending, err := p.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  p.cfg.ConsumerGroup,
			Start:  "-",
			End:    "+",
			Count:  p.cfg.BatchSize,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read pending on %s: %w", stream, err)
		}
		if len(pending) == 0 {
			break
		}

		for _, entry := range pending {
			claimed, err := p.rdb.XClaim(ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    p.cfg.ConsumerGroup,
				Consumer: p.consumerID,
				MinIdle:  0,
				Messages: []string{entry.ID},
			}).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("claim %s on %s: %w", entry.ID, stream, err)
			}
			for _, msg := range claimed {
				p.processMessage(ctx, stream, msg, entry.RetryCount)
				p.metrics.Recovered.Inc()
				recovered++
			}
		}
	}
	log.Print(ctx, log.KV{K: "msg", V: "pending entries recovered"},
		log.KV{K: "stream", V: stream}, log.KV{K: "count", V: recovered})
	return nil
}

// readBatch blocks for one XREADGROUP round across both streams.
func (p *Processor) readBatch(ctx context.Context) error {
	res, err := p.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    p.cfg.ConsumerGroup,
		Consumer: p.consumerID,
		Streams:  []string{p.cfg.InboxStream, p.cfg.InternalStream, ">", ">"},
		Count:    p.cfg.BatchSize,
		Block:    p.cfg.BlockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	for _, stream := range res {
		for _, msg := range stream.Messages {
			p.processMessage(ctx, stream.Stream, msg, 1)
		}
	}
	return nil
}

// processMessage applies one stream entry. The entry is acknowledged
// when the projection write succeeded, when it is a duplicate, or when
// no handler exists for its type. A failed entry stays pending until
// its delivery count exhausts MaxRetries, then moves to the DLQ.
func (p *Processor) processMessage(ctx context.Context, stream string, msg redis.XMessage, deliveryCount int64) {
	eventType := stringField(msg.Values, "msg_type", "typ", "event_type")
	eventID := stringField(msg.Values, "cause", "id", "event_id")
	if eventID == "" {
		eventID = msg.ID
	}
	ctx = log.With(ctx,
		log.KV{K: "message_id", V: msg.ID},
		log.KV{K: "event_type", V: eventType},
		log.KV{K: "event_id", V: eventID},
		log.KV{K: "stream", V: stream},
		log.KV{K: "delivery_count", V: deliveryCount},
	)

	dedupKey := "dedup:" + eventID
	dup, err := p.rdb.Exists(ctx, dedupKey).Result()
	if err != nil {
		p.fail(ctx, stream, msg, eventType, deliveryCount, fmt.Errorf("dedup check: %w", err))
		return
	}
	if dup > 0 {
		log.Debug(ctx, log.KV{K: "msg", V: "duplicate event, skipping"})
		p.metrics.Duplicates.WithLabelValues(eventType).Inc()
		p.ack(ctx, stream, msg.ID)
		return
	}

	handler, ok := p.registry.Lookup(eventType)
	if !ok {
		log.Warn(ctx, log.KV{K: "msg", V: "no handler registered for event type"})
		p.metrics.Unhandled.WithLabelValues(eventType).Inc()
		p.ack(ctx, stream, msg.ID)
		return
	}

	evt := event.Parse(eventType, envelope.Sanitize(msg.Values))
	if err := handler(ctx, p.db, evt); err != nil {
		p.fail(ctx, stream, msg, eventType, deliveryCount, err)
		return
	}

	// Mark before ack: a crash between the two redelivers the entry and
	// the mark suppresses the second application.
	if err := p.rdb.Set(ctx, dedupKey, "1", p.cfg.DedupTTL).Err(); err != nil {
		log.Errorf(ctx, err, "set dedup mark")
	}
	p.ack(ctx, stream, msg.ID)
	p.metrics.Processed.WithLabelValues(eventType).Inc()
	log.Print(ctx, log.KV{K: "msg", V: "event processed"})
}

func (p *Processor) ack(ctx context.Context, stream, id string) {
	if err := p.rdb.XAck(ctx, stream, p.cfg.ConsumerGroup, id).Err(); err != nil {
		log.Errorf(ctx, err, "ack %s", id)
	}
}

// fail records a handler failure. The entry is left pending for
// redelivery until its delivery count reaches MaxRetries, at which
// point it is copied to the DLQ with failure context and acknowledged.
func (p *Processor) fail(ctx context.Context, stream string, msg redis.XMessage, eventType string, deliveryCount int64, cause error) {
	log.Errorf(ctx, cause, "process event")
	p.metrics.Failures.WithLabelValues(eventType).Inc()

	if deliveryCount < p.cfg.MaxRetries {
		return
	}

	entry := make(map[string]any, len(msg.Values)+3)
	for k, v := range msg.Values {
		entry[k] = v
	}
	entry["original_message_id"] = msg.ID
	entry["error"] = cause.Error()
	entry["moved_at"] = time.Now().UTC().Format(time.RFC3339)

	if err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.cfg.DLQStream,
		Values: entry,
	}).Err(); err != nil {
		log.Errorf(ctx, err, "move to dlq")
		return
	}
	p.ack(ctx, stream, msg.ID)
	p.metrics.DeadLettered.WithLabelValues(eventType).Inc()
	log.Print(ctx, log.KV{K: "msg", V: "event moved to dlq"}, log.KV{K: "attempts", V: deliveryCount})
}

func stringField(values map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := values[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
