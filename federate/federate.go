// Package federate implements the network coordination layer of one
// federate in a federated execution: connecting to the RTI, agreeing on a
// common start time with the other federates, and exchanging data messages
// through the RTI while the local logical clock advances.
package federate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/chanijjani/lingua-franca/types"
	"github.com/chanijjani/lingua-franca/wire"
)

var (
	// ErrConnectionExhausted reports that every connection attempt to the
	// RTI failed. The federate cannot join and must not keep running.
	ErrConnectionExhausted = errors.New("federate: connection attempts to RTI exhausted")

	// ErrRegistrationFailed reports a write failure while announcing the
	// federate ID right after connecting.
	ErrRegistrationFailed = errors.New("federate: sending federate ID to RTI failed")

	// ErrProtocolViolation reports a frame the protocol does not allow at
	// this point of the exchange. The connection cannot be used afterwards.
	ErrProtocolViolation = errors.New("federate: protocol violation")
)

// ActionRef identifies a scheduler action bound to a destination port.
// The coordination layer treats it as opaque.
type ActionRef interface{}

// Scheduler is the external event scheduler. Deliver enqueues payload for
// execution no earlier than the current logical time plus delay.
type Scheduler interface {
	Deliver(action ActionRef, delay types.Interval, payload []byte)
}

// ActionRegistry resolves destination ports to scheduler actions.
type ActionRegistry interface {
	ActionForPort(port uint16) (ActionRef, bool)
}

// Clock is the external time source. LogicalTime must be read while
// holding the clock lock whenever timed delivery depends on it.
type Clock interface {
	LogicalTime() types.Instant
	PhysicalTime() types.Instant
	WaitUntil(ctx context.Context, t types.Instant) error
}

// Logf is the logging hook the coordination layer writes diagnostics to.
type Logf func(format string, args ...interface{})

// Dialer opens the stream connection to the RTI. Swappable for tests.
type Dialer func(network, address string, timeout time.Duration) (net.Conn, error)

const (
	defaultRetryInterval = 2 * time.Second
	defaultMaxRetries    = 500
	defaultDialTimeout   = 5 * time.Second
)

// Options configures a Federate. ID, Host, Port, Clock and Scheduler are
// required; the rest have defaults.
type Options struct {
	ID   int32
	Host string
	Port int

	RetryInterval time.Duration // wait between connection attempts
	MaxRetries    int           // additional attempts after the first failure
	DialTimeout   time.Duration
	Duration      time.Duration // run duration; <= 0 means unbounded

	Clock     Clock
	Scheduler Scheduler
	Actions   ActionRegistry // optional; nil delivers every port unresolved

	// ClockMu is the lock shared with the engine's clock-advance path.
	// When nil the federate allocates one; the engine must then use
	// ClockLock for its own advances.
	ClockMu *sync.Mutex

	Log  Logf   // optional
	Dial Dialer // optional; defaults to net.DialTimeout
}

// Federate owns the single connection to the RTI and the coordination
// state built on it. Construct with New, then call Synchronize once before
// the engine's main loop.
type Federate struct {
	id            int32
	host          string
	port          int
	retryInterval time.Duration
	maxRetries    int
	dialTimeout   time.Duration
	duration      time.Duration

	clock   Clock
	sched   Scheduler
	actions ActionRegistry
	clockMu *sync.Mutex
	logf    Logf
	dial    Dialer

	conn      net.Conn
	startTime types.Instant
	stopTime  types.Instant

	ctx    context.Context
	cancel context.CancelFunc
	errs   chan error
	done   chan struct{}
}

func New(opts Options) *Federate {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.ClockMu == nil {
		opts.ClockMu = &sync.Mutex{}
	}
	if opts.Dial == nil {
		opts.Dial = net.DialTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Federate{
		id:            opts.ID,
		host:          opts.Host,
		port:          opts.Port,
		retryInterval: opts.RetryInterval,
		maxRetries:    opts.MaxRetries,
		dialTimeout:   opts.DialTimeout,
		duration:      opts.Duration,
		clock:         opts.Clock,
		sched:         opts.Scheduler,
		actions:       opts.Actions,
		clockMu:       opts.ClockMu,
		logf:          opts.Log,
		dial:          opts.Dial,
		ctx:           ctx,
		cancel:        cancel,
		errs:          make(chan error, 1),
		done:          make(chan struct{}),
	}
}

// ClockLock returns the lock the engine must hold while advancing the
// logical clock. The listener holds the same lock while computing the
// delivery delay of a timed message.
func (f *Federate) ClockLock() *sync.Mutex {
	return f.clockMu
}

// StartTime returns the start instant agreed with the RTI. Valid after
// Synchronize returns.
func (f *Federate) StartTime() types.Instant { return f.startTime }

// StopTime returns start plus the configured duration, or zero when no
// duration was configured.
func (f *Federate) StopTime() types.Instant { return f.stopTime }

// Errors yields the fatal error that terminated the listener, if any.
func (f *Federate) Errors() <-chan error { return f.errs }

// Done is closed when the listener has exited, whether cleanly through
// Stop or because of a fatal error.
func (f *Federate) Done() <-chan struct{} { return f.done }

// Connect repeatedly attempts the stream connection to the RTI, waiting
// the retry interval between attempts. After the configured number of
// additional attempts past the first failure it gives up with
// ErrConnectionExhausted. On success it immediately announces the
// federate ID; a write failure there is ErrRegistrationFailed and is not
// retried.
func (f *Federate) Connect(ctx context.Context) error {
	addr := net.JoinHostPort(f.host, strconv.Itoa(f.port))

	var failures int
	for {
		conn, err := f.dial("tcp", addr, f.dialTimeout)
		if err == nil {
			f.conn = conn
			break
		}
		failures++
		if failures > f.maxRetries {
			return fmt.Errorf("%w: %d attempts to %s, last error: %v",
				ErrConnectionExhausted, failures, addr, err)
		}
		f.log("could not connect to RTI at %s (attempt %d): %v; retrying in %v",
			addr, failures, err, f.retryInterval)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.retryInterval):
		}
	}
	f.log("connected to RTI at %s", addr)

	enc, err := wire.Encode(wire.NewFederateID(f.id))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	if _, err := f.conn.Write(enc); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	return nil
}

// NegotiateStartTime sends the current physical time to the RTI and
// blocks for the designated start time. The handshake is strictly
// synchronous: the one reply frame must be a timestamp, anything else is
// a protocol violation.
func (f *Federate) NegotiateStartTime(myPhysicalTime types.Instant) (types.Instant, error) {
	enc, err := wire.Encode(wire.NewTimestamp(myPhysicalTime))
	if err != nil {
		return 0, fmt.Errorf("encode timestamp: %w", err)
	}
	if _, err := f.conn.Write(enc); err != nil {
		return 0, fmt.Errorf("send timestamp to RTI: %w", err)
	}

	reply, err := wire.Read(f.conn)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownFrameType) {
			return 0, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		return 0, fmt.Errorf("read timestamp from RTI: %w", err)
	}
	if reply.Tag != wire.TagTimestamp {
		return 0, fmt.Errorf("%w: expected timestamp reply, got tag %d",
			ErrProtocolViolation, reply.Tag)
	}
	f.log("starting timestamp is %d", reply.Timestamp)
	return reply.Timestamp, nil
}

// Synchronize runs the startup protocol: connect and register, agree on
// the start time, spawn the inbound listener, then block until physical
// time reaches the start instant. It returns the agreed start instant.
// From the moment it returns, the engine must hold ClockLock around every
// logical clock advance.
func (f *Federate) Synchronize(ctx context.Context) (types.Instant, error) {
	if err := f.Connect(ctx); err != nil {
		return 0, err
	}

	start, err := f.NegotiateStartTime(f.clock.PhysicalTime())
	if err != nil {
		return 0, err
	}
	f.startTime = start
	if f.duration > 0 {
		f.stopTime = start + types.Interval(f.duration)
	}

	go f.listen()

	if err := f.clock.WaitUntil(ctx, start); err != nil {
		return 0, err
	}
	return start, nil
}

// Send relays an untimestamped message to an input port of a reactor in
// the destination federate. The destination is validated before any I/O.
func (f *Federate) Send(port, federate int, payload []byte) error {
	frame, err := wire.NewMessage(port, federate, payload)
	if err != nil {
		return err
	}
	return f.write(frame)
}

// SendTimed relays a message stamped with the current logical time. The
// destination federate must not see it earlier than that logical time.
func (f *Federate) SendTimed(port, federate int, payload []byte) error {
	f.clockMu.Lock()
	now := f.clock.LogicalTime()
	f.clockMu.Unlock()

	frame, err := wire.NewTimedMessage(port, federate, payload, now)
	if err != nil {
		return err
	}
	return f.write(frame)
}

func (f *Federate) write(frame *wire.Frame) error {
	enc, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	if _, err := f.conn.Write(enc); err != nil {
		return fmt.Errorf("send to RTI: %w", err)
	}
	return nil
}

// Stop tears the federate down: it cancels the context and closes the
// connection so the listener's blocking read returns. Safe to call more
// than once.
func (f *Federate) Stop() {
	f.cancel()
	if f.conn != nil {
		f.conn.Close()
	}
}

func (f *Federate) log(format string, args ...interface{}) {
	if f.logf != nil {
		f.logf(format, args...)
	}
}
