// Package dispatch delivers mitigation actions and alerts to external
// collaborators with bounded retry, exponential backoff and per-sink
// circuit breaking. Delivery that exhausts its attempts is recorded and
// dropped; the decision pipeline never blocks on a dead collaborator.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/circuitbreaker"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/mitigation"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/structlog"
)

var (
	dispDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ddos", Subsystem: "dispatch", Name: "delivered_total",
		Help: "Payloads delivered per sink.",
	}, []string{"sink", "kind"})
	dispRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ddos", Subsystem: "dispatch", Name: "retries_total",
		Help: "Delivery retries per sink.",
	}, []string{"sink"})
	dispUndelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ddos", Subsystem: "dispatch", Name: "undelivered_total",
		Help: "Payloads dropped after exhausting retries.",
	}, []string{"sink", "kind"})
)

func init() {
	_ = prometheus.Register(dispDelivered)
	_ = prometheus.Register(dispRetries)
	_ = prometheus.Register(dispUndelivered)
}

// FirewallSink receives enforcement instructions.
type FirewallSink interface {
	Name() string
	Enforce(ctx context.Context, action *mitigation.Action) error
}

// AlertSink receives alert notifications.
type AlertSink interface {
	Name() string
	Notify(ctx context.Context, alert *mitigation.Alert) error
}

// UndeliveredRecorder is invoked once per payload dropped after retries,
// so an audit store can keep the evidence.
type UndeliveredRecorder func(sink, kind, payloadID, identity string, lastErr error)

// Config bounds the retry loop.
type Config struct {
	MaxAttempts int           // total attempts per payload, including the first
	BaseBackoff time.Duration // delay after the first failure; doubles per retry
	MaxBackoff  time.Duration // backoff ceiling
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 3, BaseBackoff: 100 * time.Millisecond, MaxBackoff: 2 * time.Second}
}

func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("dispatch: max attempts must be >= 1")
	}
	if c.BaseBackoff <= 0 || c.MaxBackoff < c.BaseBackoff {
		return fmt.Errorf("dispatch: invalid backoff bounds")
	}
	return nil
}

// Dispatcher fans actions and alerts out to the configured sinks. Each sink
// gets its own circuit breaker so one dead collaborator does not taint
// deliveries to the others.
type Dispatcher struct {
	cfg       Config
	log       *structlog.Logger
	firewalls []protectedFirewall
	alerters  []protectedAlerter
	record    UndeliveredRecorder
}

type protectedFirewall struct {
	sink    FirewallSink
	breaker *circuitbreaker.Breaker
}

type protectedAlerter struct {
	sink    AlertSink
	breaker *circuitbreaker.Breaker
}

func New(cfg Config, log *structlog.Logger, record UndeliveredRecorder) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = structlog.NewLogger("dispatch", structlog.LevelInfo, nil)
	}
	return &Dispatcher{cfg: cfg, log: log, record: record}, nil
}

// AddFirewall registers an enforcement sink.
func (d *Dispatcher) AddFirewall(sink FirewallSink) {
	d.firewalls = append(d.firewalls, protectedFirewall{
		sink:    sink,
		breaker: circuitbreaker.New("firewall:"+sink.Name(), circuitbreaker.DefaultSettings()),
	})
}

// AddAlerter registers a notification sink.
func (d *Dispatcher) AddAlerter(sink AlertSink) {
	d.alerters = append(d.alerters, protectedAlerter{
		sink:    sink,
		breaker: circuitbreaker.New("alerter:"+sink.Name(), circuitbreaker.DefaultSettings()),
	})
}

// DispatchAction delivers one enforcement action to every firewall sink.
func (d *Dispatcher) DispatchAction(ctx context.Context, action *mitigation.Action) {
	for _, fw := range d.firewalls {
		fw := fw
		d.deliver(ctx, fw.sink.Name(), "action", action.ID, action.Identity, func(c context.Context) error {
			return fw.breaker.Execute(c, func() error { return fw.sink.Enforce(c, action) })
		})
	}
}

// DispatchAlert delivers one alert to every alert sink.
func (d *Dispatcher) DispatchAlert(ctx context.Context, alert *mitigation.Alert) {
	for _, al := range d.alerters {
		al := al
		d.deliver(ctx, al.sink.Name(), "alert", alert.ID, alert.Identity, func(c context.Context) error {
			return al.breaker.Execute(c, func() error { return al.sink.Notify(c, alert) })
		})
	}
}

// deliver runs the bounded retry loop for one sink. An open breaker fails
// fast and still consumes attempts, so a dead sink costs microseconds, not
// timeouts.
func (d *Dispatcher) deliver(ctx context.Context, sink, kind, payloadID, identity string, send func(context.Context) error) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		lastErr = send(ctx)
		if lastErr == nil {
			dispDelivered.WithLabelValues(sink, kind).Inc()
			return
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			break
		}
		if attempt == d.cfg.MaxAttempts {
			break
		}
		dispRetries.WithLabelValues(sink).Inc()
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = d.cfg.MaxAttempts
		case <-time.After(d.backoff(attempt)):
		}
	}

	dispUndelivered.WithLabelValues(sink, kind).Inc()
	d.log.Error("delivery failed, dropping payload", structlog.Fields{
		"sink":       sink,
		"kind":       kind,
		"payload_id": payloadID,
		"identity":   identity,
		"attempts":   d.cfg.MaxAttempts,
		"error":      lastErr.Error(),
	})
	if d.record != nil {
		d.record(sink, kind, payloadID, identity, lastErr)
	}
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	b := d.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		b *= 2
		if b >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	return b
}
