// Package sqlbus implements the bus Gateway as a transactional outbox table in PostgreSQL, MySQL or SQLite.
//
// Publishers insert rows; consumers lease the oldest undelivered row of a queue,
// run the handler, and acknowledge the row only if the handler succeeded. A row
// whose handler failed, or whose consumer died, is delivered again once its
// lease has expired.
package sqlbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/getpup/clustercode"
	"github.com/getpup/clustercode/bus"
	"github.com/getpup/clustercode/metrics"
	"github.com/google/uuid"
)

// Config holds configuration for the Gateway.
type Config struct {
	// DB is the database holding the outbox table (required).
	DB *sql.DB

	// Dialect is one of DialectPostgres, DialectMySQL or DialectSQLite (required).
	Dialect string

	// Table is the outbox table name, optionally schema qualified (default: DefaultTable).
	Table string

	// TaskAddedQueue and TaskCompletedQueue name the queues (defaults: bus.DefaultTaskAddedQueue, bus.DefaultTaskCompletedQueue).
	TaskAddedQueue     string
	TaskCompletedQueue string

	// PollInterval is how often consumers look for new rows (default: 1s).
	PollInterval time.Duration

	// LeaseDuration is how long a consumer owns a row before it is redelivered (default: 30s).
	LeaseDuration time.Duration

	// RetryInterval is the initial delay between retries after a database error (default: 100ms).
	RetryInterval time.Duration

	// MaxRetryInterval caps the delay between retries (default: 10s).
	MaxRetryInterval time.Duration

	// MaxPublishRetries bounds the retries of a single publish (default: 5).
	MaxPublishRetries uint64

	// Logger is an optional logger for observability.
	Logger clustercode.Logger

	// Collector is an optional metrics collector.
	Collector *metrics.Collector
}

// Gateway is an SQL outbox implementation of bus.Gateway.
type Gateway struct {
	config  Config
	queries queries
	now     func() time.Time

	// mu orders publishAsync's wg.Add against Close's wg.Wait.
	mu        sync.Mutex
	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

// Compile-time check that Gateway implements bus.Gateway.
var _ bus.Gateway = (*Gateway)(nil)

// New creates a Gateway. Call Migrate to create the outbox table.
func New(cfg Config) (*Gateway, error) {
	if cfg.DB == nil {
		return nil, errors.New("sqlbus: DB is required")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if _, err := SchemaStatements(cfg.Dialect, cfg.Table); err != nil {
		return nil, err
	}
	if cfg.TaskAddedQueue == "" {
		cfg.TaskAddedQueue = bus.DefaultTaskAddedQueue
	}
	if cfg.TaskCompletedQueue == "" {
		cfg.TaskCompletedQueue = bus.DefaultTaskCompletedQueue
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	if cfg.MaxRetryInterval == 0 {
		cfg.MaxRetryInterval = 10 * time.Second
	}
	if cfg.MaxPublishRetries == 0 {
		cfg.MaxPublishRetries = 5
	}

	return &Gateway{
		config:  cfg,
		queries: newQueries(cfg.Dialect, cfg.Table),
		now:     time.Now,
		closed:  make(chan struct{}),
	}, nil
}

// Migrate creates the outbox table if it does not exist.
func (g *Gateway) Migrate(ctx context.Context) error {
	statements, err := SchemaStatements(g.config.Dialect, g.config.Table)
	if err != nil {
		return err
	}
	for _, stmt := range statements {
		if _, err := g.config.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate bus outbox: %w", err)
		}
	}
	return nil
}

// SendTaskAdded implements bus.Gateway.
func (g *Gateway) SendTaskAdded(ctx context.Context, event clustercode.TaskAddedEvent, result bus.ResultFunc) {
	g.publishAsync(ctx, g.config.TaskAddedQueue, event, result)
}

// SendTaskCompleted implements bus.Gateway.
func (g *Gateway) SendTaskCompleted(ctx context.Context, event clustercode.TaskCompletedEvent, result bus.ResultFunc) {
	g.publishAsync(ctx, g.config.TaskCompletedQueue, event, result)
}

// HandleTaskCompletedEvents polls the task-completed queue until ctx is done or the
// gateway is closed. Database errors are retried with exponential backoff.
func (g *Gateway) HandleTaskCompletedEvents(ctx context.Context, handler bus.TaskCompletedHandler) error {
	retry := g.newBackOff()
	retry.MaxElapsedTime = 0

	for {
		wait := g.config.PollInterval
		for {
			delivered, err := g.deliverNext(ctx, g.config.TaskCompletedQueue, handler)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				wait = retry.NextBackOff()
				g.logWarn(ctx, "failed to poll bus outbox", "queue", g.config.TaskCompletedQueue, "retryIn", wait, "error", err)
				break
			}
			retry.Reset()
			if !delivered {
				break
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-g.closed:
			timer.Stop()
			return bus.ErrClosed
		case <-timer.C:
		}
	}
}

// Close stops consumers and waits for in-flight publishes.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closeOnce.Do(func() { close(g.closed) })
	g.mu.Unlock()

	g.wg.Wait()
	return nil
}

func (g *Gateway) publishAsync(ctx context.Context, queue string, event interface{}, result bus.ResultFunc) {
	g.mu.Lock()
	select {
	case <-g.closed:
		g.mu.Unlock()
		g.report(ctx, queue, result, bus.ErrClosed)
		return
	default:
	}
	g.wg.Add(1)
	g.mu.Unlock()

	// publishing outlives the caller's request
	ctx = context.WithoutCancel(ctx)

	go func() {
		defer g.wg.Done()
		g.report(ctx, queue, result, g.publish(ctx, queue, event))
	}()
}

func (g *Gateway) publish(ctx context.Context, queue string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	id := uuid.New().String()
	op := func() error {
		_, err := g.config.DB.ExecContext(ctx, g.queries.insert, id, queue, string(payload), g.now().UnixMilli())
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(g.newBackOff(), g.config.MaxPublishRetries), ctx)
	err = backoff.RetryNotify(op, b, func(err error, next time.Duration) {
		g.logWarn(ctx, "retrying bus publish", "queue", queue, "retryIn", next, "error", err)
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

func (g *Gateway) report(ctx context.Context, queue string, result bus.ResultFunc, err error) {
	if g.config.Collector != nil {
		g.config.Collector.IncBusPublished(err)
	}
	if err != nil {
		g.logError(ctx, "bus publish failed", "queue", queue, "error", err)
	} else if g.config.Logger != nil {
		g.config.Logger.Debug(ctx, "published bus event", "queue", queue)
	}
	if result != nil {
		result(err)
	}
}

// deliverNext leases, handles and acknowledges the oldest pending row of queue.
// It reports whether a row was consumed, so the caller can keep draining.
func (g *Gateway) deliverNext(ctx context.Context, queue string, handler bus.TaskCompletedHandler) (bool, error) {
	now := g.now()

	var seq int64
	var payload string
	err := g.config.DB.QueryRowContext(ctx, g.queries.next, queue, now.UnixMilli()).Scan(&seq, &payload)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read bus outbox: %w", err)
	}

	res, err := g.config.DB.ExecContext(ctx, g.queries.claim, now.Add(g.config.LeaseDuration).UnixMilli(), seq, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to lease bus event: %w", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if claimed == 0 {
		// another consumer leased it first
		return true, nil
	}

	var event clustercode.TaskCompletedEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		g.logError(ctx, "discarding undecodable bus event", "queue", queue, "seq", seq, "error", err)
		return true, g.exec(ctx, g.queries.ack, g.now().UnixMilli(), seq)
	}

	if err := handler(ctx, event); err != nil {
		g.logWarn(ctx, "bus event handler failed, event will be redelivered", "queue", queue, "jobID", event.JobID, "error", err)
		return false, g.exec(ctx, g.queries.release, seq)
	}

	return true, g.exec(ctx, g.queries.ack, g.now().UnixMilli(), seq)
}

func (g *Gateway) exec(ctx context.Context, query string, args ...interface{}) error {
	if _, err := g.config.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update bus outbox: %w", err)
	}
	return nil
}

func (g *Gateway) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.config.RetryInterval
	b.MaxInterval = g.config.MaxRetryInterval
	b.Reset()
	return b
}

func (g *Gateway) logWarn(ctx context.Context, msg string, keyvals ...interface{}) {
	if g.config.Logger != nil {
		g.config.Logger.Warn(ctx, msg, keyvals...)
	}
}

func (g *Gateway) logError(ctx context.Context, msg string, keyvals ...interface{}) {
	if g.config.Logger != nil {
		g.config.Logger.Error(ctx, msg, keyvals...)
	}
}
