package otel

import (
	"context"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"remote-admin-gateway/internal/session/registry"
)

// Instruments holds the gateway's session metrics.
type Instruments struct {
	started       metric.Int64Counter
	resumes       metric.Int64Counter
	rejected      metric.Int64Counter
	expiries      metric.Int64Counter
	dialFailures  metric.Int64Counter
	closed        metric.Int64Counter
	handlerErrors metric.Int64Counter
}

// NewInstruments registers the session instruments on mp. liveSessions, if non-nil, backs an
// observable gauge of registry entries.
func NewInstruments(mp metric.MeterProvider, liveSessions func() int64) (*Instruments, error) {
	meter := mp.Meter(instrumentationName)
	var ins Instruments
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&ins.started, "gateway.sessions.started", "Sessions whose remote dial succeeded."},
		{&ins.resumes, "gateway.sessions.resumed", "Successful resumes within the grace period."},
		{&ins.rejected, "gateway.sessions.resume_rejected", "Resume attempts that were refused."},
		{&ins.expiries, "gateway.sessions.expired", "Sessions whose grace period ran out."},
		{&ins.dialFailures, "gateway.sessions.dial_failures", "Remote dials that failed."},
		{&ins.closed, "gateway.sessions.closed", "Sessions ended by the client, the remote side, or shutdown."},
		{&ins.handlerErrors, "gateway.channel.handler_errors", "Channel commands that ended in a scoped error event."},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}
	if liveSessions != nil {
		_, err = meter.Int64ObservableGauge("gateway.sessions.live",
			metric.WithDescription("Sessions currently held by the registry."),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(liveSessions())
				return nil
			}))
		if err != nil {
			return nil, err
		}
	}
	return &ins, nil
}

// Observe implements registry.Observer.
func (i *Instruments) Observe(ev registry.Event) {
	ctx := context.Background()
	switch ev.Kind {
	case registry.EventStarted:
		i.started.Add(ctx, 1)
	case registry.EventResumed:
		i.resumes.Add(ctx, 1)
	case registry.EventResumeRejected:
		i.rejected.Add(ctx, 1)
	case registry.EventExpired:
		i.expiries.Add(ctx, 1)
	case registry.EventDialFailed:
		i.dialFailures.Add(ctx, 1)
	case registry.EventEnded, registry.EventRemoteClosed:
		i.closed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(ev.Kind))))
	case registry.EventGrace:
	default:
		log.WithField("kind", ev.Kind).Debug("telemetry: unmapped session event")
	}
}

// HandlerError counts a scoped error event emitted for a channel command.
func (i *Instruments) HandlerError(ctx context.Context, eventType, code string) {
	i.handlerErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("code", code),
	))
}
