// Package rti implements the run-time infrastructure process the
// federates connect to: it registers each federate, computes the common
// start time from the physical times they report, and relays data
// messages between them. One instance serves one federation.
package rti

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/chanijjani/lingua-franca/types"
	"github.com/chanijjani/lingua-franca/wire"
)

const defaultStartGrace = time.Second

// Options configures an RTI. Federates is the number of federates that
// must report before the start time is announced.
type Options struct {
	Addr       string // listen address, ":0" picks a free port
	Federates  int
	StartGrace time.Duration // added to the latest reported physical time
	Log        func(format string, args ...interface{})
}

type fedConn struct {
	id   int32
	conn net.Conn
	wmu  sync.Mutex // serializes writes from relay goroutines
}

func (fc *fedConn) write(b []byte) error {
	fc.wmu.Lock()
	defer fc.wmu.Unlock()
	_, err := fc.conn.Write(b)
	return err
}

// RTI accepts federate connections and coordinates them. Create with
// New, run Serve on its own goroutine, tear down with Stop.
type RTI struct {
	opts Options
	ln   net.Listener

	mu        sync.Mutex
	conns     map[int32]*fedConn
	reported  int
	maxTime   types.Instant
	startTime types.Instant
	announced bool
	startCh   chan struct{} // closed once the start time is fixed

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*RTI, error) {
	if opts.Federates <= 0 {
		return nil, errors.New("rti: at least one federate required")
	}
	if opts.StartGrace <= 0 {
		opts.StartGrace = defaultStartGrace
	}
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("rti: listen on %s: %w", opts.Addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RTI{
		opts:    opts,
		ln:      ln,
		conns:   make(map[int32]*fedConn),
		startCh: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Addr returns the bound listen address.
func (r *RTI) Addr() net.Addr {
	return r.ln.Addr()
}

// StartTime returns the announced start instant, or zero before the
// rendezvous completes.
func (r *RTI) StartTime() types.Instant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startTime
}

// Serve accepts federate connections until Stop. Blocking; run it on its
// own goroutine.
func (r *RTI) Serve() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			select {
			case <-r.ctx.Done():
			default:
				r.log("accept: %v", err)
			}
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handle(conn)
		}()
	}
}

// Stop closes the listener and every federate connection, then waits for
// the connection goroutines to drain.
func (r *RTI) Stop() {
	r.cancel()
	r.ln.Close()

	r.mu.Lock()
	for _, fc := range r.conns {
		fc.conn.Close()
	}
	r.mu.Unlock()

	r.wg.Wait()
}

// handle runs one federate connection: registration, timestamp
// rendezvous, then the relay loop.
func (r *RTI) handle(conn net.Conn) {
	fc, err := r.register(conn)
	if err != nil {
		r.log("registration from %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	defer r.unregister(fc)

	if err := r.rendezvous(fc); err != nil {
		r.log("federate %d handshake failed: %v", fc.id, err)
		return
	}

	if err := r.relay(fc); err != nil {
		r.log("federate %d left: %v", fc.id, err)
	}
}

func (r *RTI) register(conn net.Conn) (*fedConn, error) {
	frame, err := wire.Read(conn)
	if err != nil {
		return nil, err
	}
	if frame.Tag != wire.TagFederateID {
		return nil, fmt.Errorf("expected federate ID, got tag %d", frame.Tag)
	}

	fc := &fedConn{id: frame.ID, conn: conn}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.conns[fc.id]; dup {
		return nil, fmt.Errorf("duplicate federate ID %d", fc.id)
	}
	r.conns[fc.id] = fc
	r.log("federate %d connected from %s", fc.id, conn.RemoteAddr())
	return fc, nil
}

func (r *RTI) unregister(fc *fedConn) {
	r.mu.Lock()
	delete(r.conns, fc.id)
	r.mu.Unlock()
	fc.conn.Close()
}

// rendezvous reads the federate's physical time and, once every expected
// federate has reported, announces max(reported) + grace to all of them.
func (r *RTI) rendezvous(fc *fedConn) error {
	frame, err := wire.Read(fc.conn)
	if err != nil {
		return err
	}
	if frame.Tag != wire.TagTimestamp {
		return fmt.Errorf("expected timestamp, got tag %d", frame.Tag)
	}

	r.mu.Lock()
	r.reported++
	if frame.Timestamp > r.maxTime {
		r.maxTime = frame.Timestamp
	}
	complete := r.reported == r.opts.Federates && !r.announced
	if complete {
		r.announced = true
		r.startTime = r.maxTime + types.Interval(r.opts.StartGrace)
	}
	r.mu.Unlock()

	if complete {
		r.announce()
		close(r.startCh)
	}

	// Late-arriving behavior is not modeled: every federate must report
	// before the deadline of the caller's context, or the federation
	// never starts.
	select {
	case <-r.startCh:
		return nil
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}

func (r *RTI) announce() {
	r.mu.Lock()
	start := r.startTime
	targets := make([]*fedConn, 0, len(r.conns))
	for _, fc := range r.conns {
		targets = append(targets, fc)
	}
	r.mu.Unlock()

	enc, err := wire.Encode(wire.NewTimestamp(start))
	if err != nil {
		r.log("encode start time: %v", err)
		return
	}
	for _, fc := range targets {
		if err := fc.write(enc); err != nil {
			r.log("announce to federate %d: %v", fc.id, err)
		}
	}
	r.log("federation start time announced: %d", start)
}

// relay forwards data frames to their destination federate unchanged.
func (r *RTI) relay(fc *fedConn) error {
	for {
		frame, err := wire.Read(fc.conn)
		if err != nil {
			return err
		}

		switch frame.Tag {
		case wire.TagMessage, wire.TagTimedMessage:
			r.forward(fc, frame)
		default:
			return fmt.Errorf("unexpected tag %d after handshake", frame.Tag)
		}
	}
}

func (r *RTI) forward(from *fedConn, frame *wire.Frame) {
	r.mu.Lock()
	dest, ok := r.conns[int32(frame.Federate)]
	r.mu.Unlock()
	if !ok {
		r.log("federate %d sent to unknown federate %d, dropping",
			from.id, frame.Federate)
		return
	}

	enc, err := wire.Encode(frame)
	if err != nil {
		r.log("re-encode frame from federate %d: %v", from.id, err)
		return
	}
	if err := dest.write(enc); err != nil {
		r.log("forward to federate %d: %v", dest.id, err)
	}
}

func (r *RTI) log(format string, args ...interface{}) {
	if r.opts.Log != nil {
		r.opts.Log(format, args...)
	}
}
