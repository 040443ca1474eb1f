package transport

import (
	"context"
	"log"
	"time"

	"leased/services/leased/internal/server"
)

const publishTimeout = 5 * time.Second

// Publisher delivers one JSON-encodable value to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// EventPublisher is a server.EventSink that forwards events to a Publisher
// from its own goroutine. Emit never blocks; when the buffer is full the event
// is dropped and onDrop is called.
type EventPublisher struct {
	pub     Publisher
	subject string
	events  chan server.Event
	logger  *log.Logger
	onDrop  func()
}

// NewEventPublisher publishes to "<subject>.<kind>".
func NewEventPublisher(pub Publisher, subject string, buffer int, logger *log.Logger, onDrop func()) *EventPublisher {
	if logger == nil {
		logger = log.Default()
	}
	if onDrop == nil {
		onDrop = func() {}
	}
	if buffer <= 0 {
		buffer = 1
	}
	return &EventPublisher{
		pub:     pub,
		subject: subject,
		events:  make(chan server.Event, buffer),
		logger:  logger,
		onDrop:  onDrop,
	}
}

func (p *EventPublisher) Emit(e server.Event) {
	select {
	case p.events <- e:
	default:
		p.onDrop()
		p.logger.Printf("DEBUG event buffer full, dropped %s for %s", e.Kind, e.MAC)
	}
}

// Subject returns the subject an event of kind is published to.
func (p *EventPublisher) Subject(kind server.EventKind) string {
	return p.subject + "." + string(kind)
}

// Run publishes until ctx ends, then flushes what is already buffered.
func (p *EventPublisher) Run(ctx context.Context) error {
	for {
		select {
		case e := <-p.events:
			p.publish(ctx, e)
		case <-ctx.Done():
			p.flush()
			return nil
		}
	}
}

func (p *EventPublisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for {
		select {
		case e := <-p.events:
			p.publish(ctx, e)
		default:
			return
		}
	}
}

func (p *EventPublisher) publish(ctx context.Context, e server.Event) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.pub.Publish(ctx, p.Subject(e.Kind), e); err != nil {
		p.logger.Printf("WARN publish %s event for %s: %v", e.Kind, e.MAC, err)
	}
}
