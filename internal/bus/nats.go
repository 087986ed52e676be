package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	// busPublished counts events published by type.
	busPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_published_total",
			Help: "Total number of events published to the fan-out bus.",
		},
		[]string{"type"},
	)

	// busDelivered counts events handed to local subscribers by type.
	busDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_delivered_total",
			Help: "Total number of bus events delivered to local handlers.",
		},
		[]string{"type"},
	)

	// busConnected reflects the NATS connection state (1 connected, 0 not).
	busConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bus_connected",
			Help: "Whether the fan-out bus connection is currently up.",
		},
	)

	// busDecodeErrors counts payloads that could not be decoded.
	busDecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_decode_errors_total",
			Help: "Total number of bus payloads dropped because decoding failed.",
		},
	)
)

func init() {
	prometheus.MustRegister(busPublished, busDelivered, busConnected, busDecodeErrors)
}

// Options configures the NATS connection.
type Options struct {
	URL           string
	Name          string // connection name, shown in NATS monitoring
	MaxReconnects int
	ReconnectWait time.Duration
	PingInterval  time.Duration
}

// Conn is the NATS implementation of Bus.
type Conn struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// Connect dials NATS with reconnect handling wired to logs and metrics.
func Connect(opts Options, log zerolog.Logger) (*Conn, error) {
	c := &Conn{log: log}

	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.PingInterval(opts.PingInterval),
		nats.ConnectHandler(func(nc *nats.Conn) {
			busConnected.Set(1)
			c.log.Info().Str("url", nc.ConnectedUrl()).Msg("bus connected")
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			busConnected.Set(0)
			c.log.Warn().Err(err).Msg("bus disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			busConnected.Set(1)
			c.log.Info().Str("url", nc.ConnectedUrl()).Msg("bus reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			c.log.Error().Err(err).Msg("bus async error")
		}),
	}

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to bus: %w", err)
	}
	c.nc = nc
	busConnected.Set(1)
	return c, nil
}

// Publish encodes ev and publishes it on subject. The context is honored for
// symmetry with the port; NATS publishes are buffered locally and do not
// block on the wire.
func (c *Conn) Publish(ctx context.Context, subject string, ev *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := marshalEvent(ev)
	if err != nil {
		return err
	}
	if err := c.nc.Publish(subject, b); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	busPublished.WithLabelValues(ev.Type).Inc()
	return nil
}

// Subscribe binds h to subject. Undecodable payloads are dropped and counted
// rather than surfaced to the handler.
func (c *Conn) Subscribe(subject string, h Handler) (Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		ev, err := unmarshalEvent(m.Data)
		if err != nil {
			busDecodeErrors.Inc()
			c.log.Error().Err(err).Str("subject", m.Subject).Msg("drop undecodable bus payload")
			return
		}
		busDelivered.WithLabelValues(ev.Type).Inc()
		h(m.Subject, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// IsConnected reports whether the underlying connection is up. Used by the
// health endpoint.
func (c *Conn) IsConnected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close drains subscriptions and closes the connection.
func (c *Conn) Close() {
	if c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("bus drain failed, closing hard")
		c.nc.Close()
	}
	busConnected.Set(0)
}
