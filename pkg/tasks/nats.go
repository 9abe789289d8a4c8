package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultSubject carries jobs between the scheduler and remote workers.
const DefaultSubject = "clusterforge.tasks"

// DefaultQueue is the queue group shared by all workers, so each job is
// delivered to exactly one of them.
const DefaultQueue = "clusterforge-workers"

// Conn is the part of *nats.Conn used here.
type Conn interface {
	Publish(subject string, data []byte) error
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// Connect opens a NATS connection that reconnects forever.
func Connect(url, name string, logger zerolog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NATSDispatcher publishes jobs for remote workers.
type NATSDispatcher struct {
	conn    Conn
	subject string
}

func NewNATSDispatcher(conn Conn, subject string) *NATSDispatcher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSDispatcher{conn: conn, subject: subject}
}

// Dispatch publishes job. Delivery is at most once.
func (d *NATSDispatcher) Dispatch(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job, err)
	}
	if err := d.conn.Publish(d.subject, data); err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job, err)
	}
	return nil
}

// NATSWorker consumes published jobs and hands them to a local dispatcher,
// usually a Pool.
type NATSWorker struct {
	conn    Conn
	subject string
	queue   string
	local   Dispatcher
	logger  zerolog.Logger
}

func NewNATSWorker(conn Conn, subject, queue string, local Dispatcher, logger zerolog.Logger) *NATSWorker {
	if subject == "" {
		subject = DefaultSubject
	}
	if queue == "" {
		queue = DefaultQueue
	}
	return &NATSWorker{
		conn:    conn,
		subject: subject,
		queue:   queue,
		local:   local,
		logger:  logger.With().Str("component", "nats_worker").Logger(),
	}
}

// Run subscribes and blocks until ctx is done, then drains the connection.
func (w *NATSWorker) Run(ctx context.Context) error {
	_, err := w.conn.QueueSubscribe(w.subject, w.queue, func(msg *nats.Msg) {
		w.receive(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", w.subject, err)
	}
	w.logger.Info().Str("subject", w.subject).Str("queue", w.queue).Msg("Consuming jobs")

	<-ctx.Done()
	if err := w.conn.Drain(); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to drain NATS connection")
	}
	return nil
}

func (w *NATSWorker) receive(ctx context.Context, data []byte) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		w.logger.Error().Err(err).Msg("Discarding malformed job")
		return
	}
	if err := w.local.Dispatch(ctx, job); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to queue job")
	}
}
