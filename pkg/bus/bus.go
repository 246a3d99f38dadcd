package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Bus wraps a NATS JetStream connection for publishing and consuming events.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// Handler processes one message payload.
type Handler func(ctx context.Context, data []byte) error

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Connected reports whether the connection is currently usable.
func (b *Bus) Connected() bool {
	return b != nil && b.conn.IsConnected()
}

// EnsureStream creates the stream if it does not exist yet.
func (b *Bus) EnsureStream(name string, subjects ...string) error {
	if b == nil {
		return errors.New("nil bus")
	}
	_, err := b.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
	})
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil
	}
	return err
}

// Publish encodes v as JSON and publishes it to the given subject.
func (b *Bus) Publish(ctx context.Context, subj string, v any, opts ...nats.PubOpt) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	opts = append(opts, nats.Context(ctx))
	_, err = b.js.Publish(subj, data, opts...)
	return err
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering. The message is terminated
// instead of negatively acknowledged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}

type retryError struct {
	err   error
	delay time.Duration
}

func (e *retryError) Error() string { return e.err.Error() }
func (e *retryError) Unwrap() error { return e.err }

// RetryAfter asks for redelivery of the message no sooner than delay.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryError{err: err, delay: delay}
}

// RetryDelay returns the delay requested with RetryAfter.
func RetryDelay(err error) (time.Duration, bool) {
	var retry *retryError
	if errors.As(err, &retry) {
		return retry.delay, true
	}
	return 0, false
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

// QueueSubscribe joins the durable consumer as one member of queue. Each
// member runs its handler on its own goroutine, so n members process up to n
// messages at once.
func (b *Bus) QueueSubscribe(ctx context.Context, subj, queue, durable string, fn Handler, opts ...nats.SubOpt) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}
	if queue == "" {
		return nil, errors.New("queue name is required")
	}

	handler := func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		stop := keepAlive(handlerCtx, msg)
		err := fn(handlerCtx, msg.Data)
		stop()

		var (
			perm  *permanentError
			retry *retryError
		)
		switch {
		case err == nil:
			_ = msg.Ack()
		case errors.As(err, &perm):
			_ = msg.Term()
		case errors.As(err, &retry):
			_ = msg.NakWithDelay(retry.delay)
		default:
			_ = msg.Nak()
		}
	}

	opts = append([]nats.SubOpt{nats.Durable(durable), nats.ManualAck(), nats.AckExplicit()}, opts...)

	sub, err := b.js.QueueSubscribe(subj, queue, handler, opts...)
	if err != nil {
		return nil, err
	}

	s := &subscription{sub: sub}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}

// ProgressInterval is how often a busy handler extends its ack deadline.
// Consumers must use an AckWait comfortably above it.
const ProgressInterval = 10 * time.Second

// keepAlive extends the ack deadline of msg while a handler is still busy.
func keepAlive(ctx context.Context, msg *nats.Msg) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = msg.InProgress()
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}
