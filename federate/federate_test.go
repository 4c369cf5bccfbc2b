package federate_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/chanijjani/lingua-franca/federate"
	"github.com/chanijjani/lingua-franca/types"
	"github.com/chanijjani/lingua-franca/wire"
)

// testClock is a clock the test controls. Logical time is only touched
// while holding the federate's clock lock, mirroring the engine contract.
type testClock struct {
	logical  types.Instant
	physical types.Instant
}

func (c *testClock) LogicalTime() types.Instant  { return c.logical }
func (c *testClock) PhysicalTime() types.Instant { return c.physical }

func (c *testClock) WaitUntil(ctx context.Context, t types.Instant) error {
	return ctx.Err()
}

// portRegistry maps ports to action names.
type portRegistry map[uint16]string

func (r portRegistry) ActionForPort(port uint16) (federate.ActionRef, bool) {
	name, ok := r[port]
	return name, ok
}

func TestConnectRetryBound(t *testing.T) {
	var attempts int
	failingDial := func(network, address string, timeout time.Duration) (net.Conn, error) {
		attempts++
		return nil, errors.New("connection refused")
	}

	f := federate.New(federate.Options{
		ID:            1,
		Host:          "127.0.0.1",
		Port:          1,
		RetryInterval: time.Millisecond,
		MaxRetries:    3,
		Clock:         &testClock{},
		Scheduler:     federate.NewChannelScheduler(1),
		Dial:          failingDial,
	})
	defer f.Stop()

	err := f.Connect(context.Background())
	if !errors.Is(err, federate.ErrConnectionExhausted) {
		t.Fatalf("Connect err = %v, want ErrConnectionExhausted", err)
	}
	// One initial attempt plus MaxRetries more.
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4", attempts)
	}
}

func TestConnectCancelledDuringRetryWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dial := func(network, address string, timeout time.Duration) (net.Conn, error) {
		cancel()
		return nil, errors.New("connection refused")
	}

	f := federate.New(federate.Options{
		ID:            1,
		Host:          "127.0.0.1",
		Port:          1,
		RetryInterval: time.Hour, // the cancel must cut this short
		MaxRetries:    5,
		Clock:         &testClock{},
		Scheduler:     federate.NewChannelScheduler(1),
		Dial:          dial,
	})
	defer f.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- f.Connect(ctx) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Connect err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return after cancellation")
	}
}

func TestConnectAnnouncesFederateID(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	got := make(chan *wire.Frame, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		frame, err := wire.Read(conn)
		if err != nil {
			return
		}
		got <- frame
	}()

	f := federate.New(federate.Options{
		ID:        42,
		Host:      "127.0.0.1",
		Port:      ln.Addr().(*net.TCPAddr).Port,
		Clock:     &testClock{},
		Scheduler: federate.NewChannelScheduler(1),
	})
	defer f.Stop()

	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case frame := <-got:
		if frame.Tag != wire.TagFederateID || frame.ID != 42 {
			t.Errorf("registration frame = %+v, want federate ID 42", frame)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RTI never received the registration frame")
	}
}

// rtiScript runs a scripted RTI on a loopback listener: it consumes the
// registration and timestamp frames, replies with the given start-time
// bytes, then hands the connection to the test.
func rtiScript(t *testing.T, reply []byte) (port int, conns <-chan net.Conn, queries <-chan *wire.Frame) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	connCh := make(chan net.Conn, 1)
	queryCh := make(chan *wire.Frame, 2)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		for i := 0; i < 2; i++ { // federate ID, then timestamp query
			frame, err := wire.Read(conn)
			if err != nil {
				conn.Close()
				return
			}
			queryCh <- frame
		}
		if _, err := conn.Write(reply); err != nil {
			conn.Close()
			return
		}
		connCh <- conn
	}()
	return ln.Addr().(*net.TCPAddr).Port, connCh, queryCh
}

func encodeFrame(t *testing.T, f *wire.Frame) []byte {
	t.Helper()
	enc, err := wire.Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return enc
}

// synced brings a federate through the full startup protocol against a
// scripted RTI and returns the RTI side of the connection.
func synced(t *testing.T, f *federate.Federate, conns <-chan net.Conn) net.Conn {
	t.Helper()

	start, err := f.Synchronize(context.Background())
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if start != 1200 {
		t.Fatalf("start time = %d, want 1200", start)
	}

	select {
	case conn := <-conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("scripted RTI never completed the handshake")
		return nil
	}
}

func TestSynchronizeHandshake(t *testing.T) {
	reply := encodeFrame(t, wire.NewTimestamp(1200))
	port, conns, queries := rtiScript(t, reply)

	clock := &testClock{physical: 1000}
	f := federate.New(federate.Options{
		ID:        7,
		Host:      "127.0.0.1",
		Port:      port,
		Clock:     clock,
		Scheduler: federate.NewChannelScheduler(4),
		Duration:  100 * time.Nanosecond,
	})
	defer f.Stop()

	synced(t, f, conns)

	reg := <-queries
	if reg.Tag != wire.TagFederateID || reg.ID != 7 {
		t.Errorf("first frame = %+v, want federate ID announce", reg)
	}
	query := <-queries
	if query.Tag != wire.TagTimestamp || query.Timestamp != 1000 {
		t.Errorf("second frame = %+v, want timestamp query carrying 1000", query)
	}

	if f.StartTime() != 1200 {
		t.Errorf("StartTime = %d, want 1200", f.StartTime())
	}
	if f.StopTime() != 1300 {
		t.Errorf("StopTime = %d, want 1300", f.StopTime())
	}
}

func TestHandshakeRejectsDataFrame(t *testing.T) {
	// The RTI answers the timestamp query with a data message. The
	// handshake window admits only a timestamp reply.
	msg, err := wire.NewMessage(1, 1, []byte("x"))
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	port, _, _ := rtiScript(t, encodeFrame(t, msg))

	f := federate.New(federate.Options{
		ID:        7,
		Host:      "127.0.0.1",
		Port:      port,
		Clock:     &testClock{},
		Scheduler: federate.NewChannelScheduler(1),
	})
	defer f.Stop()

	_, err = f.Synchronize(context.Background())
	if !errors.Is(err, federate.ErrProtocolViolation) {
		t.Errorf("Synchronize err = %v, want ErrProtocolViolation", err)
	}
}

func TestTimedMessageDeliveryDelay(t *testing.T) {
	reply := encodeFrame(t, wire.NewTimestamp(1200))
	port, conns, _ := rtiScript(t, reply)

	clock := &testClock{physical: 1000, logical: 100}
	sched := federate.NewChannelScheduler(4)
	f := federate.New(federate.Options{
		ID:        7,
		Host:      "127.0.0.1",
		Port:      port,
		Clock:     clock,
		Scheduler: sched,
		Actions:   portRegistry{3: "action-3"},
	})
	defer f.Stop()

	rtiConn := synced(t, f, conns)

	timed, err := wire.NewTimedMessage(3, 7, []byte("P"), 150)
	if err != nil {
		t.Fatalf("NewTimedMessage: %v", err)
	}
	if _, err := rtiConn.Write(encodeFrame(t, timed)); err != nil {
		t.Fatalf("write timed message: %v", err)
	}

	select {
	case d := <-sched.Deliveries():
		if d.Delay != 50 {
			t.Errorf("delay = %d, want 50", d.Delay)
		}
		if d.Action != "action-3" {
			t.Errorf("action = %v, want action-3", d.Action)
		}
		if !bytes.Equal(d.Payload, []byte("P")) {
			t.Errorf("payload = %q, want P", d.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed message never delivered")
	}
}

func TestPlainMessageDeliveredWithZeroDelay(t *testing.T) {
	reply := encodeFrame(t, wire.NewTimestamp(1200))
	port, conns, _ := rtiScript(t, reply)

	sched := federate.NewChannelScheduler(4)
	f := federate.New(federate.Options{
		ID:        7,
		Host:      "127.0.0.1",
		Port:      port,
		Clock:     &testClock{logical: 999},
		Scheduler: sched,
		Actions:   portRegistry{5: "action-5"},
	})
	defer f.Stop()

	rtiConn := synced(t, f, conns)

	// First a message for a port nobody registered: dropped, not fatal.
	unknown, err := wire.NewMessage(9, 7, []byte("lost"))
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	known, err := wire.NewMessage(5, 7, []byte("kept"))
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if _, err := rtiConn.Write(append(encodeFrame(t, unknown), encodeFrame(t, known)...)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case d := <-sched.Deliveries():
		if d.Delay != 0 {
			t.Errorf("delay = %d, want 0", d.Delay)
		}
		if d.Action != "action-5" || !bytes.Equal(d.Payload, []byte("kept")) {
			t.Errorf("delivery = %+v, want the known-port payload only", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestListenerFatalOnUnknownTag(t *testing.T) {
	reply := encodeFrame(t, wire.NewTimestamp(1200))
	port, conns, _ := rtiScript(t, reply)

	f := federate.New(federate.Options{
		ID:        7,
		Host:      "127.0.0.1",
		Port:      port,
		Clock:     &testClock{},
		Scheduler: federate.NewChannelScheduler(1),
	})
	defer f.Stop()

	rtiConn := synced(t, f, conns)

	if _, err := rtiConn.Write([]byte{0x7f}); err != nil {
		t.Fatalf("write bogus tag: %v", err)
	}

	select {
	case err := <-f.Errors():
		if !errors.Is(err, federate.ErrProtocolViolation) {
			t.Errorf("listener err = %v, want ErrProtocolViolation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("listener never reported the protocol violation")
	}

	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("listener never terminated")
	}
}

func TestListenerFatalOnConnectionLoss(t *testing.T) {
	reply := encodeFrame(t, wire.NewTimestamp(1200))
	port, conns, _ := rtiScript(t, reply)

	f := federate.New(federate.Options{
		ID:        7,
		Host:      "127.0.0.1",
		Port:      port,
		Clock:     &testClock{},
		Scheduler: federate.NewChannelScheduler(1),
	})
	defer f.Stop()

	rtiConn := synced(t, f, conns)
	rtiConn.Close()

	select {
	case err := <-f.Errors():
		if err == nil {
			t.Error("listener reported nil error for connection loss")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("listener never reported the connection loss")
	}
}

func TestStopTerminatesListenerSilently(t *testing.T) {
	reply := encodeFrame(t, wire.NewTimestamp(1200))
	port, conns, _ := rtiScript(t, reply)

	f := federate.New(federate.Options{
		ID:        7,
		Host:      "127.0.0.1",
		Port:      port,
		Clock:     &testClock{},
		Scheduler: federate.NewChannelScheduler(1),
	})

	synced(t, f, conns)
	f.Stop()

	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not exit after Stop")
	}
	select {
	case err := <-f.Errors():
		t.Errorf("Stop produced a listener error: %v", err)
	default:
	}
}

// atomicityScheduler records, for every delivery, the delay handed over
// and the logical clock value observable at that very moment. Deliver
// runs while the listener holds the clock lock, so reading the clock here
// is coherent with the concurrent advancer.
type atomicityScheduler struct {
	clock *testClock
	mu    sync.Mutex
	pairs [][2]types.Interval // {delay, logical at delivery}
	seen  chan struct{}
}

func (s *atomicityScheduler) Deliver(action federate.ActionRef, delay types.Interval, payload []byte) {
	s.mu.Lock()
	s.pairs = append(s.pairs, [2]types.Interval{delay, s.clock.logical})
	s.mu.Unlock()
	s.seen <- struct{}{}
}

func TestTimedDeliveryAtomicWithClockAdvance(t *testing.T) {
	const frames = 200
	const timestamp = 1 << 40

	reply := encodeFrame(t, wire.NewTimestamp(1200))
	port, conns, _ := rtiScript(t, reply)

	clock := &testClock{}
	sched := &atomicityScheduler{clock: clock, seen: make(chan struct{}, frames)}
	f := federate.New(federate.Options{
		ID:        7,
		Host:      "127.0.0.1",
		Port:      port,
		Clock:     clock,
		Scheduler: sched,
	})
	defer f.Stop()

	rtiConn := synced(t, f, conns)

	// Engine-side clock advances, racing the listener for the shared lock.
	stopAdvancer := make(chan struct{})
	advancerDone := make(chan struct{})
	go func() {
		defer close(advancerDone)
		for {
			select {
			case <-stopAdvancer:
				return
			default:
			}
			f.ClockLock().Lock()
			clock.logical += 7
			f.ClockLock().Unlock()
		}
	}()

	timed, err := wire.NewTimedMessage(0, 7, []byte("x"), timestamp)
	if err != nil {
		t.Fatalf("NewTimedMessage: %v", err)
	}
	enc := encodeFrame(t, timed)
	go func() {
		for i := 0; i < frames; i++ {
			if _, err := rtiConn.Write(enc); err != nil {
				return
			}
		}
	}()

	for i := 0; i < frames; i++ {
		select {
		case <-sched.seen:
		case <-time.After(10 * time.Second):
			t.Fatalf("delivery %d never arrived", i)
		}
	}
	close(stopAdvancer)
	<-advancerDone

	sched.mu.Lock()
	defer sched.mu.Unlock()
	for i, p := range sched.pairs {
		if p[0] != timestamp-p[1] {
			t.Fatalf("delivery %d: delay %d but logical time at delivery was %d (want delay %d)",
				i, p[0], p[1], timestamp-p[1])
		}
	}
}

func TestSendValidation(t *testing.T) {
	// No connection exists; an address violation must fail before I/O.
	f := federate.New(federate.Options{
		ID:        1,
		Host:      "127.0.0.1",
		Port:      1,
		Clock:     &testClock{},
		Scheduler: federate.NewChannelScheduler(1),
	})
	defer f.Stop()

	if err := f.Send(65536, 0, nil); !errors.Is(err, wire.ErrInvalidAddress) {
		t.Errorf("Send err = %v, want ErrInvalidAddress", err)
	}
	if err := f.SendTimed(0, 65536, nil); !errors.Is(err, wire.ErrInvalidAddress) {
		t.Errorf("SendTimed err = %v, want ErrInvalidAddress", err)
	}
}

func TestSendTimedStampsLogicalTime(t *testing.T) {
	reply := encodeFrame(t, wire.NewTimestamp(1200))
	port, conns, _ := rtiScript(t, reply)

	clock := &testClock{logical: 777}
	f := federate.New(federate.Options{
		ID:        7,
		Host:      "127.0.0.1",
		Port:      port,
		Clock:     clock,
		Scheduler: federate.NewChannelScheduler(1),
	})
	defer f.Stop()

	rtiConn := synced(t, f, conns)

	if err := f.SendTimed(3, 9, []byte("out")); err != nil {
		t.Fatalf("SendTimed: %v", err)
	}

	frame, err := wire.Read(rtiConn)
	if err != nil {
		t.Fatalf("read at RTI: %v", err)
	}
	if frame.Tag != wire.TagTimedMessage || frame.Timestamp != 777 {
		t.Errorf("frame = %+v, want timed message stamped 777", frame)
	}
	if frame.Port != 3 || frame.Federate != 9 {
		t.Errorf("destination = (%d,%d), want (3,9)", frame.Port, frame.Federate)
	}
}
