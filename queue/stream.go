package queue

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/vinayprograms/dcn/logging"
	"github.com/vinayprograms/dcn/wire"
)

// StreamConfig configures a Stream.
type StreamConfig struct {
	// Inactivity ends the stream when no message arrives for this long.
	Inactivity time.Duration

	// Deadline, if set, ends the stream once passed. No new message is
	// pulled after it.
	Deadline time.Time

	// Accept checks a body before it is handed out. Bodies it rejects are
	// logged and dropped. Defaults to wire.CheckObject.
	Accept func([]byte) error

	Logger *logging.Logger
}

// Stream is a cancellable, bounded-wait iterator over a broker's input queue.
// It ends with ErrIdle when the input goes quiet, with ctx.Err() when
// cancelled, or with the transport error that stopped it.
type Stream struct {
	broker  Broker
	config  StreamConfig
	err     error
	dropped int
}

// NewStream creates a stream over b's input queue.
func NewStream(b Broker, cfg StreamConfig) *Stream {
	if cfg.Inactivity <= 0 {
		cfg.Inactivity = DefaultConfig().InactivityTimeout
	}
	if cfg.Accept == nil {
		cfg.Accept = wire.CheckObject
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New().WithComponent("queue")
	}
	return &Stream{broker: b, config: cfg}
}

// Next returns the next acceptable delivery. Once the stream has ended every
// call returns the terminal error again.
func (s *Stream) Next(ctx context.Context) (*Delivery, error) {
	for {
		if s.err != nil {
			return nil, s.err
		}

		wait := s.config.Inactivity
		if !s.config.Deadline.IsZero() {
			remaining := time.Until(s.config.Deadline)
			if remaining <= 0 {
				s.err = ErrIdle
				continue
			}
			if remaining < wait {
				wait = remaining
			}
		}

		d, err := s.broker.Pull(ctx, wait)
		if err != nil {
			s.err = err
			continue
		}

		if aerr := s.config.Accept(d.Body); aerr != nil {
			s.dropped++
			s.config.Logger.Warn("dropping malformed message", map[string]interface{}{
				"queue": d.Queue.Queue,
				"error": aerr.Error(),
			})
			if derr := s.broker.Drop(ctx, d); derr != nil {
				s.err = derr
			}
			continue
		}
		return d, nil
	}
}

// All returns the stream as a range-over-func sequence. Check Err after the
// loop ends.
func (s *Stream) All(ctx context.Context) iter.Seq[*Delivery] {
	return func(yield func(*Delivery) bool) {
		for {
			d, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(d) {
				return
			}
		}
	}
}

// Err returns the error that ended the stream, or nil if it is still open or
// ended by inactivity.
func (s *Stream) Err() error {
	if errors.Is(s.err, ErrIdle) {
		return nil
	}
	return s.err
}

// Idle reports whether the stream ended by inactivity.
func (s *Stream) Idle() bool {
	return errors.Is(s.err, ErrIdle)
}

// Dropped returns how many malformed messages the stream discarded.
func (s *Stream) Dropped() int {
	return s.dropped
}
