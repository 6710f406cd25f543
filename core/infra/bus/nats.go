package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects used across the control plane. Task subjects are per execution
// engine so each engine pool consumes only its own queue.
const (
	SubjectRunStatus = "runbeam.runs.status"
	SubjectRunEvents = "runbeam.runs.events"

	taskSubjectPrefix = "runbeam.tasks."
)

var (
	errNilBus       = errors.New("nats bus not initialized")
	errEmptySubject = errors.New("empty subject")
)

// TaskSubject returns the queue subject for an execution engine.
func TaskSubject(engine string) string {
	if engine == "" {
		return ""
	}
	return taskSubjectPrefix + engine
}

// NatsBus is a thin wrapper over a NATS connection that speaks JSON payloads.
type NatsBus struct {
	nc *nats.Conn
}

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("runbeam-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("[BUS] disconnected from NATS: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] reconnected to NATS at %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] connection closed")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBus{nc: nc}, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// Publish encodes v as JSON and sends it on the given subject.
func (b *NatsBus) Publish(subject string, v any) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptySubject
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return b.nc.Publish(subject, data)
}

// Subscribe attaches a handler for raw JSON payloads on the given subject.
// A non-empty queue joins a queue group so only one member handles each message.
func (b *NatsBus) Subscribe(subject, queue string, handler func(data []byte) error) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptySubject
	}
	if handler == nil {
		return errors.New("nil handler")
	}

	cb := func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			log.Printf("nats bus: handler error on %s: %v", subject, err)
		}
	}
	if queue == "" {
		_, err := b.nc.Subscribe(subject, cb)
		return err
	}
	_, err := b.nc.QueueSubscribe(subject, queue, cb)
	return err
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}
