// Package tracking reports deployment lifecycle events to external systems.
// Sink failures are logged and never returned to the caller.
package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/pseegers/mendel/common"
)

// Event kinds.
const (
	EventBuilt      = "built"
	EventDeployed   = "deployed"
	EventRolledBack = "rolledback"
	EventFailed     = "failed"
)

// DefaultTimeout bounds every sink call.
const DefaultTimeout = 5 * time.Second

// Event is one lifecycle notification.
type Event struct {
	Kind    string
	Service string
	User    string
	Host    string
	Commit  string
	Version string
	Failure bool
	// Message carries the error text for failure events.
	Message string
	RunID   string
	At      time.Time
}

// Sink delivers events to one external system.
type Sink interface {
	Name() string
	Track(ctx context.Context, ev Event) error
}

// Dispatcher fans an event out to every configured sink.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
}

// NewDispatcher returns a Dispatcher over sinks.
func NewDispatcher(sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, timeout: DefaultTimeout}
}

// Add appends a sink.
func (d *Dispatcher) Add(s Sink) {
	d.sinks = append(d.sinks, s)
}

// Sinks lists the configured sink names.
func (d *Dispatcher) Sinks() []string {
	out := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		out = append(out, s.Name())
	}
	return out
}

// Dispatch delivers ev to every sink in order. A failing or panicking sink
// does not stop delivery to the rest.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	if d == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	for _, s := range d.sinks {
		if err := d.deliver(ctx, s, ev); err != nil {
			common.WarnLog("%v", err)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, s Sink, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s sink panicked: %v", common.ErrTracking, s.Name(), r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := s.Track(ctx, ev); err != nil {
		return fmt.Errorf("%w: %s: %v", common.ErrTracking, s.Name(), err)
	}
	return nil
}
