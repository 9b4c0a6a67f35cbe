package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"zfsdash/internal/models"
)

// DefaultIdleGrace is how long an open feed may stay silent before it is
// treated as dead and reconnected.
const DefaultIdleGrace = 10 * time.Second

// ErrFeedClosed is reported when the upstream ends the stream
var ErrFeedClosed = errors.New("feed closed by upstream")

// Stream is one live transport session delivering raw wire messages
type Stream interface {
	// Next blocks until a message arrives, the stream fails, or ctx ends
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a Stream for a pool. The stream must stop delivering once
// the ctx passed to Dial is cancelled.
type Dialer interface {
	Dial(ctx context.Context, resource string) (Stream, error)
}

// FeedOptions tunes reconnect and liveness behaviour
type FeedOptions struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
	IdleGrace   time.Duration
	Now         func() time.Time
}

func (o FeedOptions) withDefaults() FeedOptions {
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.IdleGrace <= 0 {
		o.IdleGrace = DefaultIdleGrace
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Transition describes a feed status change
type Transition struct {
	Status      models.FeedStatus
	Err         error
	RetryCount  int
	NextRetryAt time.Time
}

// feedSink receives everything a feed observes. The Store is the only
// production implementation.
type feedSink interface {
	feedTransition(fc *FeedConnection, t Transition)
	feedSample(fc *FeedConnection, s models.Sample)
	feedParseError(fc *FeedConnection, err error)
}

// FeedConnection keeps one streaming session alive for a pool and turns
// its messages into samples. A FeedConnection is single use: once stopped
// it cannot be started again.
type FeedConnection struct {
	resource string
	dialer   Dialer
	opts     FeedOptions
	sink     feedSink

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newFeedConnection(resource string, dialer Dialer, opts FeedOptions, sink feedSink) *FeedConnection {
	return &FeedConnection{
		resource: resource,
		dialer:   dialer,
		opts:     opts.withDefaults(),
		sink:     sink,
		done:     make(chan struct{}),
	}
}

// Resource returns the pool this feed serves
func (fc *FeedConnection) Resource() string {
	return fc.resource
}

// Start launches the connect/read/backoff loop. It never blocks.
func (fc *FeedConnection) Start() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.started || fc.stopped {
		return
	}
	fc.started = true

	ctx, cancel := context.WithCancel(context.Background())
	fc.cancel = cancel
	go fc.run(ctx)
}

// Stop cancels any pending retry timer, closes the transport and waits for
// the loop to exit. After Stop returns the feed reports nothing further.
func (fc *FeedConnection) Stop() {
	fc.mu.Lock()
	if fc.stopped {
		fc.mu.Unlock()
		return
	}
	fc.stopped = true
	started := fc.started
	if fc.cancel != nil {
		fc.cancel()
	}
	fc.mu.Unlock()

	if started {
		<-fc.done
	}
}

func (fc *FeedConnection) run(ctx context.Context) {
	defer close(fc.done)

	backoff := NewBackoff(fc.opts.BackoffBase, fc.opts.BackoffMax)
	retries := 0

	for {
		fc.emit(ctx, Transition{Status: models.StatusConnecting, RetryCount: retries})

		stream, err := fc.dialer.Dial(ctx, fc.resource)
		if err == nil {
			backoff.Reset()
			retries = 0
			log.Printf("[FEED] %s: stream open", fc.resource)
			fc.emit(ctx, Transition{Status: models.StatusOpen})

			err = fc.consume(ctx, stream)
			stream.Close()
		} else {
			err = fmt.Errorf("connect: %w", err)
		}

		if ctx.Err() != nil {
			return
		}

		retries++
		delay := backoff.Next()
		next := fc.opts.Now().Add(delay)
		log.Printf("[FEED] %s: %v (retry %d in %v)", fc.resource, err, retries, delay)
		fc.emit(ctx, Transition{
			Status:      models.StatusReconnecting,
			Err:         err,
			RetryCount:  retries,
			NextRetryAt: next,
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// consume reads until the stream fails, goes quiet for longer than the
// idle grace period, or ctx ends. Malformed messages are reported and skipped.
func (fc *FeedConnection) consume(ctx context.Context, stream Stream) error {
	for {
		readCtx, cancel := context.WithTimeout(ctx, fc.opts.IdleGrace)
		payload, err := stream.Next(readCtx)
		timedOut := readCtx.Err() == context.DeadlineExceeded || errors.Is(err, os.ErrDeadlineExceeded)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if timedOut {
				return fmt.Errorf("no data for %v", fc.opts.IdleGrace)
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sample, err := DecodeSample(fc.resource, payload, fc.opts.Now())
		if err != nil {
			fc.sink.feedParseError(fc, err)
			continue
		}
		fc.sink.feedSample(fc, sample)
	}
}

func (fc *FeedConnection) emit(ctx context.Context, t Transition) {
	if ctx.Err() != nil {
		return
	}
	fc.sink.feedTransition(fc, t)
}
