package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultInlineLimit is the largest event published inline. Larger events are
// offloaded when a PayloadStore is configured.
const DefaultInlineLimit = 1536 * 1024

// JSContext is the JetStream subset the publisher depends on
type JSContext interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// WrapNATSJetStream adapts a nats.JetStreamContext to JSContext
func WrapNATSJetStream(js nats.JetStreamContext) JSContext {
	return js
}

// NATSConfig configures NATSRecorder
type NATSConfig struct {
	Stream       string        `mapstructure:"stream"`
	Subject      string        `mapstructure:"subject"`
	BufferSize   int           `mapstructure:"buffer_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	InlineLimit  int           `mapstructure:"inline_limit"`
}

func (c *NATSConfig) applyDefaults() {
	if c.Stream == "" {
		c.Stream = "HERMES_AUDIT"
	}
	if c.Subject == "" {
		c.Subject = c.Stream + ".events"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InlineLimit <= 0 {
		c.InlineLimit = DefaultInlineLimit
	}
}

// NATSRecorder publishes events to JetStream from a background worker.
// Emit enqueues and returns; a full buffer drops the event with a warning.
type NATSRecorder struct {
	js       JSContext
	payloads PayloadStore
	cfg      NATSConfig
	logger   *zap.Logger

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewNATSRecorder starts the publishing worker. payloads may be nil, in which
// case oversized events are published anyway.
func NewNATSRecorder(js JSContext, payloads PayloadStore, cfg NATSConfig, logger *zap.Logger) (*NATSRecorder, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream context is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	r := &NATSRecorder{
		js:       js,
		payloads: payloads,
		cfg:      cfg,
		logger:   logger,
		events:   make(chan Event, cfg.BufferSize),
		done:     make(chan struct{}),
	}
	if err := r.ensureStream(); err != nil {
		return nil, err
	}

	r.wg.Add(1)
	go r.run()
	return r, nil
}

func (r *NATSRecorder) ensureStream() error {
	_, err := r.js.StreamInfo(r.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for '%s': %w", r.cfg.Stream, err)
	}

	r.logger.Info("Creating audit stream", zap.String("stream", r.cfg.Stream))
	_, err = r.js.AddStream(&nats.StreamConfig{
		Name:     r.cfg.Stream,
		Subjects: []string{r.cfg.Subject},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
		Replicas: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream '%s': %w", r.cfg.Stream, err)
	}
	return nil
}

// Emit enqueues e without blocking
func (r *NATSRecorder) Emit(e Event) {
	select {
	case <-r.done:
		r.logger.Warn("Audit recorder closed, dropping event", zap.String("event_id", e.ID))
		return
	default:
	}

	select {
	case r.events <- e:
	default:
		r.logger.Warn("Audit buffer full, dropping event",
			zap.String("event_id", e.ID),
			zap.Int64("node_id", e.NodeID))
	}
}

// Close stops accepting events and publishes what is buffered
func (r *NATSRecorder) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

func (r *NATSRecorder) run() {
	defer r.wg.Done()
	for {
		select {
		case e := <-r.events:
			r.publish(e)
		case <-r.done:
			for {
				select {
				case e := <-r.events:
					r.publish(e)
				default:
					return
				}
			}
		}
	}
}

func (r *NATSRecorder) publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		r.logger.Error("Failed to marshal audit event", zap.String("event_id", e.ID), zap.Error(err))
		return
	}

	if len(data) > r.cfg.InlineLimit && r.payloads != nil {
		if slim, ok := r.offload(e, data); ok {
			data = slim
		}
	}

	var publishErr error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		_, publishErr = r.js.Publish(r.cfg.Subject, data, nats.MsgId(e.ID))
		if publishErr == nil {
			return
		}
		if attempt < r.cfg.MaxRetries {
			r.logger.Warn("Failed to publish audit event, retrying",
				zap.String("event_id", e.ID),
				zap.Int("attempt", attempt),
				zap.Error(publishErr))
			time.Sleep(time.Duration(attempt) * r.cfg.RetryBackoff)
		}
	}
	r.logger.Error("Failed to publish audit event after all retries",
		zap.String("event_id", e.ID),
		zap.Int("attempts", r.cfg.MaxRetries),
		zap.Error(publishErr))
}

// offload stores the full event and returns a copy without payloads
func (r *NATSRecorder) offload(e Event, full []byte) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ref, err := r.payloads.Put(ctx, e, full)
	if err != nil {
		r.logger.Warn("Audit payload offload failed, publishing inline", zap.String("event_id", e.ID), zap.Error(err))
		return nil, false
	}

	e.InputBefore, e.OutputAfter = nil, nil
	e.RawRequest, e.RawResponse = "", ""
	e.PayloadRef = ref
	slim, err := json.Marshal(e)
	if err != nil {
		return nil, false
	}
	return slim, true
}
