package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/devicelab-dev/plan-runner/pkg/executor"
	"github.com/devicelab-dev/plan-runner/pkg/logger"
)

// DefaultSubject is the NATS subject progress messages go to.
const DefaultSubject = "plan-runner.progress"

// Message is one progress event on the wire.
type Message struct {
	RunID string     `json:"runId,omitempty"`
	Kind  string     `json:"kind"` // step, log, status
	Total int        `json:"total,omitempty"`
	Step  *StepEntry `json:"step,omitempty"`
	Text  string     `json:"text,omitempty"`
	Time  time.Time  `json:"time"`
}

// Publisher delivers progress messages somewhere outside the process.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// NATSConfig configures NewNATSPublisher.
type NATSConfig struct {
	URL     string
	Subject string
}

// NATSPublisher publishes progress messages on a NATS core subject.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewNATSPublisher connects to the NATS server.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("plan-runner"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	subject := cfg.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{nc: nc, subject: subject}, nil
}

// Subject returns the subject messages are published on.
func (p *NATSPublisher) Subject() string {
	return p.subject
}

func (p *NATSPublisher) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject, data)
}

// Close flushes buffered messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// Forward publishes every event from events until the channel closes. Publish
// failures are logged and skipped.
func Forward(ctx context.Context, events <-chan executor.Event, p Publisher) {
	var runID string
	for e := range events {
		msg := Message{Kind: e.Kind.String(), Time: time.Now()}
		switch e.Kind {
		case executor.EventStep:
			runID = e.Step.RunID
			entry := newStepEntry(e.Step.Step, false)
			msg.Step = &entry
			msg.Total = e.Step.Total
		default:
			msg.Text = e.Text
		}
		msg.RunID = runID

		if err := p.Publish(ctx, msg); err != nil {
			logger.L().Warn("progress publish failed", zap.String("kind", msg.Kind), zap.Error(err))
		}
	}
}
