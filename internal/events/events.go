// Package events publishes sync run outcomes to NATS so downstream caches
// can refresh after a load.
package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"faa_sync/internal/registry"
	"faa_sync/internal/storage"
)

// DefaultSubject prefixes run events; the outcome is appended.
const DefaultSubject = "faa.registry.sync"

// Header names set on every run event.
const (
	HeaderOutcome = "Faa-Sync-Outcome"
	HeaderVersion = "Faa-Sync-Event-Version"
)

const (
	eventVersion = 1

	// FlushWithContext refuses a context without a deadline.
	flushTimeout = 10 * time.Second
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("events: publisher is closed")

// Config configures the publisher.
type Config struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration

	// FailureThreshold consecutive failures open the breaker for
	// OpenTimeout.
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// DefaultConfig returns the production publisher settings.
func DefaultConfig() Config {
	return Config{
		Subject:          DefaultSubject,
		MaxReconnects:    10,
		ReconnectWait:    2 * time.Second,
		FailureThreshold: 3,
		OpenTimeout:      time.Minute,
	}
}

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// RunEvent is the JSON payload of a run event.
type RunEvent struct {
	Version     int              `json:"version"`
	RunID       string           `json:"run_id"`
	Outcome     string           `json:"outcome"`
	FailedStep  string           `json:"failed_step,omitempty"`
	Error       string           `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	DurationMs  int64            `json:"duration_ms"`
	ArchiveHash string           `json:"archive_hash,omitempty"`
	ArchiveSize int64            `json:"archive_size,omitempty"`
	Loaded      map[string]int64 `json:"loaded"`
	Inserted    int64            `json:"inserted"`
	Updated     int64            `json:"updated"`
	Deleted     int64            `json:"deleted"`
	Unresolved  int64            `json:"unresolved"`
	Warnings    int64            `json:"warnings"`
}

// NewRunEvent builds the payload for run.
func NewRunEvent(run storage.SyncRun) RunEvent {
	return RunEvent{
		Version:     eventVersion,
		RunID:       run.ID,
		Outcome:     string(run.Outcome),
		FailedStep:  run.FailedStep,
		Error:       run.Error,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		DurationMs:  run.Duration().Milliseconds(),
		ArchiveHash: run.ArchiveHash,
		ArchiveSize: run.ArchiveSize,
		Loaded: map[string]int64{
			string(registry.KindModel):    run.Models,
			string(registry.KindEngine):   run.Engines,
			string(registry.KindAircraft): run.Aircraft,
		},
		Inserted:   run.Inserted,
		Updated:    run.Updated,
		Deleted:    run.Deleted,
		Unresolved: run.Unresolved,
		Warnings:   run.Warnings,
	}
}

// Publisher sends run events through a circuit breaker so an unreachable
// server costs one fast failure per run instead of a timeout.
type Publisher struct {
	conn    Conn
	subject string
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// Connect dials cfg.URL and returns a publisher that owns the connection.
func Connect(cfg Config, logger zerolog.Logger) (*Publisher, error) {
	logger = logger.With().Str("component", "events").Logger()
	nc, err := nats.Connect(cfg.URL,
		nats.Name("faa-sync"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}
	return NewPublisher(nc, cfg, logger), nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(conn Conn, cfg Config, logger zerolog.Logger) *Publisher {
	def := DefaultConfig()
	if cfg.Subject == "" {
		cfg.Subject = def.Subject
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}

	p := &Publisher{
		conn:    conn,
		subject: cfg.Subject,
		logger:  logger,
	}
	p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "nats-publish",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})
	return p
}

// Subject returns the subject an event with the given outcome is sent to.
func (p *Publisher) Subject(outcome storage.Outcome) string {
	return p.subject + "." + string(outcome)
}

// PublishRun sends the outcome of run. The run ID doubles as the
// Nats-Msg-Id so JetStream streams drop redeliveries.
func (p *Publisher) PublishRun(ctx context.Context, run storage.SyncRun) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	data, err := json.Marshal(NewRunEvent(run))
	if err != nil {
		return fmt.Errorf("encode run event: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}

	msg := nats.NewMsg(p.Subject(run.Outcome))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, run.ID)
	msg.Header.Set(HeaderOutcome, string(run.Outcome))
	msg.Header.Set(HeaderVersion, strconv.Itoa(eventVersion))

	_, err = p.breaker.Execute(func() (struct{}, error) {
		if err := p.conn.PublishMsg(msg); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, p.conn.FlushWithContext(ctx)
	})
	if err != nil {
		return fmt.Errorf("publish run %s: %w", run.ID, err)
	}

	p.logger.Debug().Str("subject", msg.Subject).Str("run_id", run.ID).Msg("Published run event")
	return nil
}

// BreakerState reports the circuit breaker state.
func (p *Publisher) BreakerState() gobreaker.State {
	return p.breaker.State()
}

// Close closes the connection. It is safe to call more than once.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.conn.Close()
}
