package publisher

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Client owns the process's NATS connection: the telemetry subscription and
// the outbound command channel.
type Client struct {
	nc             *nats.Conn
	logSubjects    bool
	metrics        PublisherMetrics
	commandSubject string
	sub            *nats.Subscription
}

type PublisherMetrics interface {
	NATSSetConnected(connected bool)
	NATSReconnectedInc()
	CommandPublishedInc()
	CommandPublishErrInc()
}

type Options struct {
	URL  string
	Name string
	// ReconnectMin and ReconnectMax bound the exponential reconnect backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// CommandSubject is a format string with one %s for the bus id.
	CommandSubject string
	LogSubjects    bool
	Metrics        PublisherMetrics
}

// Connect dials NATS. It does not fail when the broker is down at startup:
// the client keeps retrying in the background with bounded backoff, forever,
// and re-establishes subscriptions after every reconnect.
func Connect(opts Options) (*Client, error) {
	if opts.Name == "" {
		opts.Name = "bus-tracker"
	}
	if opts.CommandSubject == "" {
		opts.CommandSubject = "fleet.bus.%s.command"
	}
	if strings.Count(opts.CommandSubject, "%s") != 1 {
		return nil, fmt.Errorf("invalid command subject %q: need exactly one %%s", opts.CommandSubject)
	}
	m := opts.Metrics
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(ReconnectDelay(opts.ReconnectMin, opts.ReconnectMax)),
		nats.ConnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			slog.Info("nats connected")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			slog.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
				m.NATSReconnectedInc()
			}
			slog.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			slog.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(nc.IsConnected())
	}
	return &Client{nc: nc, logSubjects: opts.LogSubjects, metrics: m, commandSubject: opts.CommandSubject}, nil
}

// ReconnectDelay doubles the wait from minDelay on every attempt, capped at maxDelay.
func ReconnectDelay(minDelay, maxDelay time.Duration) func(attempts int) time.Duration {
	if minDelay <= 0 {
		minDelay = time.Second
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return func(attempts int) time.Duration {
		d := minDelay
		for i := 1; i < attempts && d < maxDelay; i++ {
			d *= 2
		}
		return min(d, maxDelay)
	}
}

// SubscribeTelemetry subscribes handle to pattern. The pattern may be given in
// MQTT form (fleet/bus/+/location); it is translated to NATS wildcards.
// handle runs on the subscription's delivery goroutine and must not block.
func (c *Client) SubscribeTelemetry(pattern string, handle func(subject string, data []byte)) error {
	if c.sub != nil {
		return errors.New("telemetry subscription already active")
	}
	subject := NATSSubject(pattern)
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		handle(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.sub = sub
	slog.Info("subscribed to telemetry", "subject", subject)
	return nil
}

// PublishCommand sends a JSON command to one bus. Delivery is not acknowledged.
func (c *Client) PublishCommand(busID string, cmd json.RawMessage) error {
	if !json.Valid(cmd) {
		return errors.New("command is not valid JSON")
	}
	subject := c.CommandSubject(busID)
	if c.logSubjects {
		slog.Info("nats publish", "subject", subject)
	}
	err := c.nc.Publish(subject, cmd)
	if c.metrics != nil {
		if err != nil {
			c.metrics.CommandPublishErrInc()
		} else {
			c.metrics.CommandPublishedInc()
		}
	}
	return err
}

func (c *Client) CommandSubject(busID string) string {
	return fmt.Sprintf(c.commandSubject, subjectToken(busID))
}

func (c *Client) Connected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Unsubscribe stops telemetry delivery while keeping the connection for
// in-flight work.
func (c *Client) Unsubscribe() {
	if c.sub == nil {
		return
	}
	if err := c.sub.Unsubscribe(); err != nil {
		slog.Warn("nats unsubscribe", "err", err)
	}
	c.sub = nil
}

func (c *Client) Close() {
	if c.nc != nil {
		if err := c.nc.Drain(); err != nil {
			slog.Warn("nats drain", "err", err)
		}
		c.nc.Close()
	}
}

// NATSSubject converts an MQTT style topic filter to a NATS subject.
func NATSSubject(topic string) string {
	if !strings.Contains(topic, "/") {
		return topic
	}
	parts := strings.Split(topic, "/")
	for i, p := range parts {
		switch p {
		case "+":
			parts[i] = "*"
		case "#":
			parts[i] = ">"
		}
	}
	return strings.Join(parts, ".")
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
