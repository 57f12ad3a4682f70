// Package fanout implements the session fan-out: one inbound message is
// delivered to every connection currently subscribed to its session,
// each recipient independently, with permanent failures fed back into
// the registry for eviction.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sessioncast/sessioncast"
	"github.com/sessioncast/sessioncast/delivery"
	"github.com/sessioncast/sessioncast/internal/logctx"
	"github.com/sessioncast/sessioncast/internal/metrics"
	"github.com/sessioncast/sessioncast/registry"
)

const (
	defaultConcurrency = 16
	defaultSendTimeout = 5 * time.Second
)

// frame is the payload shape pushed to each recipient.
type frame struct {
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId,omitempty"`
	Message   json.RawMessage `json:"message"`
}

// Publisher resolves a message's target connections and dispatches the
// payload to each of them concurrently. Publish never fails because some
// recipients were unreachable; partial delivery failure is normal
// operation.
type Publisher struct {
	reg         *registry.Registry
	channel     delivery.Channel
	log         *slog.Logger
	concurrency int
	sendTimeout time.Duration
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithLogger sets the slog logger used by the publisher. If not provided,
// logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(p *Publisher) { p.log = log }
}

// WithConcurrency bounds how many deliveries are in flight at once.
// Default: 16.
func WithConcurrency(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithSendTimeout bounds each individual delivery attempt. A timed-out
// attempt counts as a transient failure. Default: 5s.
func WithSendTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.sendTimeout = d
		}
	}
}

// New creates a Publisher fanning out through channel to connections
// resolved by reg.
func New(reg *registry.Registry, channel delivery.Channel, opts ...Option) *Publisher {
	p := &Publisher{
		reg:         reg,
		channel:     channel,
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		concurrency: defaultConcurrency,
		sendTimeout: defaultSendTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish fans msg out to every connection subscribed to its session
// (narrowed by user when msg.UserID is set). It fails only when the
// message has no session id or resolution fails; per-recipient outcomes
// are summarized in the returned report.
func (p *Publisher) Publish(ctx context.Context, msg sessioncast.Message) (sessioncast.DeliveryReport, error) {
	if msg.SessionID == "" {
		return sessioncast.DeliveryReport{}, sessioncast.ErrMissingSessionID
	}

	ctx = logctx.WithPublishData(ctx, &logctx.PublishData{SessionID: msg.SessionID, UserID: msg.UserID})

	conns, err := p.reg.Resolve(ctx, msg.SessionID, msg.UserID)
	if err != nil {
		return sessioncast.DeliveryReport{}, err
	}

	metrics.PublishRecipients.Observe(float64(len(conns)))
	if len(conns) == 0 {
		p.log.DebugContext(ctx, "no subscribers for session")
		return sessioncast.DeliveryReport{}, nil
	}

	payload, err := renderFrame(msg)
	if err != nil {
		return sessioncast.DeliveryReport{}, fmt.Errorf("failed to render payload: %w", err)
	}

	start := time.Now()
	var delivered, reaped, transient atomic.Int64

	// Recipients are independent: a goroutine never returns an error, so
	// one recipient's failure cannot cancel the siblings.
	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for _, conn := range conns {
		g.Go(func() error {
			outcome := p.deliver(ctx, conn.ConnectionID, payload)
			metrics.DeliveryOutcomesTotal.WithLabelValues(outcome.String()).Inc()
			switch outcome {
			case delivery.Delivered:
				delivered.Add(1)
			case delivery.Gone:
				p.reap(ctx, conn.ConnectionID)
				reaped.Add(1)
			case delivery.Transient:
				transient.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	metrics.PublishDuration.Observe(time.Since(start).Seconds())

	report := sessioncast.DeliveryReport{
		Delivered:         int(delivered.Load()),
		Reaped:            int(reaped.Load()),
		TransientFailures: int(transient.Load()),
	}
	p.log.InfoContext(ctx, "fan-out complete",
		slog.Int("delivered", report.Delivered),
		slog.Int("reaped", report.Reaped),
		slog.Int("transient_failures", report.TransientFailures),
	)
	return report, nil
}

// renderFrame builds the pushed frame once per publish. The payload is
// embedded verbatim when it is valid JSON and as a JSON string otherwise.
func renderFrame(msg sessioncast.Message) ([]byte, error) {
	raw := json.RawMessage(msg.Payload)
	if len(msg.Payload) == 0 || !json.Valid(msg.Payload) {
		quoted, err := json.Marshal(string(msg.Payload))
		if err != nil {
			return nil, err
		}
		raw = quoted
	}
	return json.Marshal(frame{
		SessionID: msg.SessionID,
		UserID:    msg.UserID,
		Message:   raw,
	})
}

// deliver runs one bounded delivery attempt and classifies its outcome.
func (p *Publisher) deliver(ctx context.Context, connectionID string, payload []byte) delivery.Outcome {
	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()

	outcome, err := p.channel.Send(sendCtx, connectionID, payload)
	switch outcome {
	case delivery.Gone:
		p.log.InfoContext(ctx, "recipient gone, reaping",
			slog.String("connection_id", connectionID),
			slog.String("cause", errString(err)),
		)
	case delivery.Transient:
		p.log.WarnContext(ctx, "transient delivery failure",
			slog.String("connection_id", connectionID),
			slog.String("cause", errString(err)),
		)
	}
	return outcome
}

// reap evicts a gone connection. The publish context may already be near
// its deadline; eviction still has to reach the store.
func (p *Publisher) reap(ctx context.Context, connectionID string) {
	if err := p.reg.Disconnect(context.WithoutCancel(ctx), connectionID); err != nil {
		p.log.ErrorContext(ctx, "failed to reap gone connection",
			slog.String("connection_id", connectionID),
			slog.String("error", err.Error()),
		)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
