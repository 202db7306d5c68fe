package tracing

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"mcp-mesh-registry/src/core/logger"
)

// Consumer states reported by /trace/status.
const (
	ConsumerStopped  = "stopped"
	ConsumerRunning  = "running"
	ConsumerDegraded = "degraded"
)

// StreamConsumerConfig configures the Redis stream consumer.
type StreamConsumerConfig struct {
	RedisURL      string
	StreamName    string
	ConsumerGroup string
	ConsumerName  string
	BatchSize     int64
	BlockTimeout  time.Duration
}

// StreamConsumer reads span events from the shared Redis stream as a member
// of a named consumer group and hands them to the correlator through a
// bounded channel. An entry is acknowledged only after the hand-off
// succeeds, so a full correlator simply stops the acks and the stream
// retains the backlog (at-least-once; the correlator dedups).
type StreamConsumer struct {
	client        *redis.Client
	streamName    string
	consumerGroup string
	consumerName  string
	logger        *logger.Logger
	batchSize     int64
	blockTimeout  time.Duration
	correlator    *Correlator

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	state   string
	lastErr string
}

// NewStreamConsumer creates a consumer bound to a correlator.
func NewStreamConsumer(cfg *StreamConsumerConfig, correlator *Correlator, log *logger.Logger) (*StreamConsumer, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	consumerName := cfg.ConsumerName
	if consumerName == "" {
		hostname, _ := os.Hostname()
		consumerName = fmt.Sprintf("registry-%s-%d", hostname, os.Getpid())
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	blockTimeout := cfg.BlockTimeout
	if blockTimeout <= 0 {
		blockTimeout = 5 * time.Second
	}

	return &StreamConsumer{
		client:        redis.NewClient(opts),
		streamName:    cfg.StreamName,
		consumerGroup: cfg.ConsumerGroup,
		consumerName:  consumerName,
		logger:        log,
		batchSize:     batchSize,
		blockTimeout:  blockTimeout,
		correlator:    correlator,
		state:         ConsumerStopped,
	}, nil
}

// Start launches the consume loop. A Redis outage does not fail startup;
// the loop keeps retrying with backoff and the state reflects degradation.
func (sc *StreamConsumer) Start(ctx context.Context) error {
	sc.mu.Lock()
	if sc.running {
		sc.mu.Unlock()
		return fmt.Errorf("consumer is already running")
	}
	sc.running = true
	sc.state = ConsumerRunning
	ctx, sc.cancel = context.WithCancel(ctx)
	sc.mu.Unlock()

	sc.wg.Add(1)
	go sc.consumeLoop(ctx)

	sc.logger.Info("Trace consumer started (stream %s, group %s, consumer %s)",
		sc.streamName, sc.consumerGroup, sc.consumerName)
	return nil
}

// Stop cancels the loop, waits for the in-flight batch and closes the
// client.
func (sc *StreamConsumer) Stop() {
	sc.mu.Lock()
	if !sc.running {
		sc.mu.Unlock()
		return
	}
	sc.running = false
	sc.mu.Unlock()

	sc.cancel()
	sc.wg.Wait()
	sc.client.Close()

	sc.mu.Lock()
	sc.state = ConsumerStopped
	sc.mu.Unlock()
	sc.logger.Info("Trace consumer stopped")
}

func (sc *StreamConsumer) consumeLoop(ctx context.Context) {
	defer sc.wg.Done()

	expo := backoff.NewExponentialBackOff()
	expo.MaxInterval = 30 * time.Second

	for ctx.Err() == nil {
		if err := sc.ensureGroup(ctx); err != nil {
			sc.degrade(err)
			sc.sleep(ctx, expo.NextBackOff())
			continue
		}

		if err := sc.processNextBatch(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			sc.degrade(err)
			sc.sleep(ctx, expo.NextBackOff())
			continue
		}

		expo.Reset()
		sc.recover()
	}
}

func (sc *StreamConsumer) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (sc *StreamConsumer) degrade(err error) {
	sc.mu.Lock()
	if sc.state == ConsumerRunning {
		sc.logger.Warning("Trace consumer degraded: %v", err)
	}
	sc.state = ConsumerDegraded
	sc.lastErr = err.Error()
	sc.mu.Unlock()
}

func (sc *StreamConsumer) recover() {
	sc.mu.Lock()
	if sc.state == ConsumerDegraded {
		sc.logger.Info("Trace consumer recovered")
	}
	if sc.running {
		sc.state = ConsumerRunning
	}
	sc.mu.Unlock()
}

// ensureGroup creates the consumer group, auto-creating the stream.
// BUSYGROUP means another instance got there first.
func (sc *StreamConsumer) ensureGroup(ctx context.Context) error {
	err := sc.client.XGroupCreateMkStream(ctx, sc.streamName, sc.consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// processNextBatch reads one batch from the group and hands each entry to
// the correlator, acknowledging only after a successful hand-off.
func (sc *StreamConsumer) processNextBatch(ctx context.Context) error {
	result, err := sc.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    sc.consumerGroup,
		Consumer: sc.consumerName,
		Streams:  []string{sc.streamName, ">"},
		Count:    sc.batchSize,
		Block:    sc.blockTimeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, stream := range result {
		for _, message := range stream.Messages {
			event := &TraceEvent{}
			if err := event.FromRedisMap(message.Values); err != nil || event.TraceID == "" || event.SpanID == "" {
				// Malformed entries are acked and skipped; they would never
				// correlate and redelivery cannot fix them.
				sc.logger.Warning("Skipping malformed trace entry %s", message.ID)
				sc.ack(ctx, message.ID)
				continue
			}

			// Blocks while the correlator's buffer is full.
			if err := sc.correlator.Submit(ctx, event); err != nil {
				return err
			}
			sc.ack(ctx, message.ID)
		}
	}
	return nil
}

func (sc *StreamConsumer) ack(ctx context.Context, messageID string) {
	if err := sc.client.XAck(ctx, sc.streamName, sc.consumerGroup, messageID).Err(); err != nil {
		sc.logger.Warning("Failed to acknowledge trace entry %s: %v", messageID, err)
	}
}

// Info reports consumer state plus stream/group lag for /trace/status.
func (sc *StreamConsumer) Info(ctx context.Context) map[string]interface{} {
	sc.mu.RLock()
	info := map[string]interface{}{
		"state":          sc.state,
		"stream_name":    sc.streamName,
		"consumer_group": sc.consumerGroup,
		"consumer_name":  sc.consumerName,
	}
	if sc.lastErr != "" {
		info["last_error"] = sc.lastErr
	}
	running := sc.running
	sc.mu.RUnlock()

	if running {
		if streamInfo, err := sc.client.XInfoStream(ctx, sc.streamName).Result(); err == nil {
			info["stream_length"] = streamInfo.Length
		}
		if groups, err := sc.client.XInfoGroups(ctx, sc.streamName).Result(); err == nil {
			for _, group := range groups {
				if group.Name == sc.consumerGroup {
					info["group_pending"] = group.Pending
					break
				}
			}
		}
	}
	return info
}
