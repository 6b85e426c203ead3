// Package natsbus publishes automation events to NATS so other systems can
// follow ticket automation as it happens.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/solarwatch/internal/solar"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "solarwatch.automation"

// msgPublisher is the slice of *nats.Conn the publisher uses.
type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// Publisher sends each AutomationEvent to <prefix>.<stage>.
type Publisher struct {
	conn   msgPublisher
	nc     *nats.Conn
	prefix string
	logger log.Logger
}

// Connect dials url and returns a Publisher for prefix.
func Connect(url, prefix string, logger log.Logger) (*Publisher, error) {
	if logger == nil {
		logger = log.Nop()
	}
	nc, err := nats.Connect(url,
		nats.Name("solarwatch"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(context.Background(), "nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	p := newPublisher(nc, prefix, logger)
	p.nc = nc
	return p, nil
}

func newPublisher(conn msgPublisher, prefix string, logger log.Logger) *Publisher {
	if logger == nil {
		logger = log.Nop()
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject an event for stage is published on.
func (p *Publisher) Subject(stage string) string {
	stage = strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, stage)
	if stage == "" {
		stage = "unknown"
	}
	return p.prefix + "." + stage
}

// PublishEvent publishes ev as JSON. The event id doubles as the JetStream
// dedup id and the trace context travels in the message headers.
func (p *Publisher) PublishEvent(ctx context.Context, ev *solar.AutomationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("natsbus: marshal event: %w", err)
	}

	msg := nats.NewMsg(p.Subject(ev.Stage))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	msg.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("natsbus: publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Close drains the connection, flushing buffered events.
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn(context.Background(), "nats drain failed", "error", err)
	}
}
