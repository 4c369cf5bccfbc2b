// Package engine runs a scripted federation in one process: an in-process
// RTI plus one federate per configured participant, each playing its
// share of the scenario's messages with the recorded pacing.
package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/chanijjani/lingua-franca/federate"
	"github.com/chanijjani/lingua-franca/rti"
	"github.com/chanijjani/lingua-franca/types"
)

const advanceTick = 10 * time.Millisecond

// Engine owns the lifecycle of one scripted federation run.
type Engine struct {
	Config *types.Config
	Log    *Logger
	RunID  string

	Mutex   sync.Mutex
	Running bool
	Status  map[int]types.FederateStatus
	Ctx     context.Context
	Cancel  context.CancelFunc

	rti         *rti.RTI
	feds        map[int]*fedRuntime
	sent        map[int]int
	received    map[int]int
	activeCount int
	firstErr    error
}

// fedRuntime bundles one federate with the clock and scheduler the
// coordination layer is wired to.
type fedRuntime struct {
	spec  types.Federate
	fed   *federate.Federate
	clock *RuntimeClock
	sched *federate.ChannelScheduler
}

// portActions resolves every port the scenario addresses at a federate.
type portActions map[uint16]string

func (p portActions) ActionForPort(port uint16) (federate.ActionRef, bool) {
	name, ok := p[port]
	return name, ok
}

// NewEngine creates an engine for cfg, logging under logDir. Each run
// gets its own log file keyed by the run ID.
func NewEngine(cfg *types.Config, logDir string, logLines int) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	if logLines <= 0 {
		logLines = defaultLogLines
	}

	runID := uuid.NewString()
	logPath := ""
	if logDir != "" {
		logPath = filepath.Join(logDir, "run-"+runID[:8]+".log")
	}

	return &Engine{
		Config:   cfg,
		Log:      NewLogger(logPath, logLines),
		RunID:    runID,
		Status:   make(map[int]types.FederateStatus),
		Ctx:      ctx,
		Cancel:   cancel,
		feds:     make(map[int]*fedRuntime),
		sent:     make(map[int]int),
		received: make(map[int]int),
	}
}

// Start boots the RTI and every configured federate, then plays the
// scenario. Non-blocking; watch Statuses or the log for progress.
func (e *Engine) Start() error {
	if e.Config.MessagesByFrom == nil {
		e.Config.IndexMessages()
	}

	g := e.Config.Globals
	addr := net.JoinHostPort(g.RTIHost, strconv.Itoa(g.RTIPort))
	r, err := rti.New(rti.Options{
		Addr:       addr,
		Federates:  len(e.Config.Federates),
		StartGrace: time.Duration(g.StartGraceMs) * time.Millisecond,
		Log: func(format string, args ...interface{}) {
			e.Log.Printf("rti: "+format, args...)
		},
	})
	if err != nil {
		return err
	}
	e.rti = r
	go r.Serve()
	e.Log.Printf("run %s: RTI listening on %s", e.RunID[:8], r.Addr())

	e.Mutex.Lock()
	e.Running = true
	e.Mutex.Unlock()

	rtiAddr := r.Addr().(*net.TCPAddr)
	for _, spec := range e.Config.Federates {
		fr := e.buildFederate(spec, rtiAddr)
		e.feds[spec.ID] = fr

		e.Mutex.Lock()
		e.Status[spec.ID] = types.StatusConnecting
		e.activeCount++
		e.Mutex.Unlock()

		go e.runFederate(fr)
	}
	return nil
}

func (e *Engine) buildFederate(spec types.Federate, rtiAddr *net.TCPAddr) *fedRuntime {
	g := e.Config.Globals

	actions := make(portActions)
	for _, m := range e.Config.Messages {
		if m.To == spec.ID {
			actions[uint16(m.Port)] = fmt.Sprintf("%s/port%d", spec.Name, m.Port)
		}
	}

	clock := &RuntimeClock{}
	sched := federate.NewChannelScheduler(64)

	fed := federate.New(federate.Options{
		ID:            int32(spec.ID),
		Host:          rtiAddr.IP.String(),
		Port:          rtiAddr.Port,
		RetryInterval: time.Duration(g.RetryIntervalMs) * time.Millisecond,
		MaxRetries:    g.MaxRetries,
		Duration:      time.Duration(g.DurationMs) * time.Millisecond,
		Clock:         clock,
		Scheduler:     sched,
		Actions:       actions,
		Log: func(format string, args ...interface{}) {
			e.Log.Printf("%s: "+format, append([]interface{}{spec.Name}, args...)...)
		},
	})

	return &fedRuntime{spec: spec, fed: fed, clock: clock, sched: sched}
}

// runFederate drives one federate through startup and its script.
func (e *Engine) runFederate(fr *fedRuntime) {
	id := fr.spec.ID

	start, err := fr.fed.Synchronize(e.Ctx)
	if err != nil {
		e.Log.Printf("%s: startup failed: %v", fr.spec.Name, err)
		e.recordErr(err)
		e.setStatus(id, types.StatusError)
		e.finishFederate(id)
		return
	}

	lock := fr.fed.ClockLock()
	lock.Lock()
	fr.clock.SetLogical(start)
	lock.Unlock()

	e.setStatus(id, types.StatusRunning)
	e.Log.Printf("%s: joined federation, start time %d", fr.spec.Name, start)

	go e.advanceClock(fr)
	go e.drainDeliveries(fr)
	go e.watchListener(fr)

	e.playScript(fr)

	e.Log.Printf("%s: finished script", fr.spec.Name)
	if e.GetStatus(id) == types.StatusRunning {
		e.setStatus(id, types.StatusCompleted)
	}
	e.finishFederate(id)
}

// advanceClock tracks physical time with the logical clock, taking the
// shared lock for every step exactly like a real engine's advance path.
func (e *Engine) advanceClock(fr *fedRuntime) {
	ticker := time.NewTicker(advanceTick)
	defer ticker.Stop()

	lock := fr.fed.ClockLock()
	for {
		select {
		case <-e.Ctx.Done():
			return
		case <-fr.fed.Done():
			return
		case <-ticker.C:
			now := fr.clock.PhysicalTime()
			lock.Lock()
			if now > fr.clock.LogicalTime() {
				fr.clock.SetLogical(now)
			}
			lock.Unlock()

			if stop := fr.fed.StopTime(); stop > 0 && now >= stop {
				e.Log.Printf("%s: reached stop time", fr.spec.Name)
				fr.fed.Stop()
				return
			}
		}
	}
}

// drainDeliveries consumes the listener's hand-overs.
func (e *Engine) drainDeliveries(fr *fedRuntime) {
	for {
		select {
		case <-e.Ctx.Done():
			return
		case d := <-fr.sched.Deliveries():
			e.Mutex.Lock()
			e.received[fr.spec.ID]++
			e.Mutex.Unlock()
			e.Log.Printf("%s: delivered %v delay=%dns payload=%s",
				fr.spec.Name, d.Action, d.Delay, renderPayload(d.Payload))
		}
	}
}

// watchListener surfaces a fatal listener error as a federate failure.
func (e *Engine) watchListener(fr *fedRuntime) {
	select {
	case <-e.Ctx.Done():
	case err := <-fr.fed.Errors():
		e.Log.Printf("%s: disconnected: %v", fr.spec.Name, err)
		e.recordErr(err)
		e.setStatus(fr.spec.ID, types.StatusError)
	}
}

// playScript sends this federate's scripted messages with their recorded
// inter-message delays.
func (e *Engine) playScript(fr *fedRuntime) {
	for i, msg := range e.Config.MessagesByFrom[fr.spec.ID] {
		if wait := time.Duration(msg.TDelta) * time.Millisecond; wait > 0 {
			select {
			case <-time.After(wait):
			case <-e.Ctx.Done():
				e.setStatus(fr.spec.ID, types.StatusIdle)
				return
			}
		}

		payload, err := encodePayload(msg)
		if err != nil {
			e.Log.Printf("%s: message %d: %v", fr.spec.Name, i, err)
			e.setStatus(fr.spec.ID, types.StatusError)
			continue
		}

		if msg.Kind == "timed" {
			err = fr.fed.SendTimed(msg.Port, msg.To, payload)
		} else {
			err = fr.fed.Send(msg.Port, msg.To, payload)
		}
		if err != nil {
			e.Log.Printf("%s: message %d: %v", fr.spec.Name, i, err)
			e.setStatus(fr.spec.ID, types.StatusError)
			continue
		}

		e.Mutex.Lock()
		e.sent[fr.spec.ID]++
		e.Mutex.Unlock()
	}
}

// encodePayload turns a scripted message body into wire bytes: a
// structured table becomes msgpack, otherwise the hex value is decoded.
func encodePayload(msg types.Message) ([]byte, error) {
	if msg.Payload != nil {
		b, err := msgpack.Marshal(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("msgpack payload: %w", err)
		}
		return b, nil
	}
	b, err := hex.DecodeString(msg.Value)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload: %w", err)
	}
	return b, nil
}

// renderPayload shows a delivered payload: msgpack tables decode for the
// log, anything else prints as hex.
func renderPayload(b []byte) string {
	var m map[string]interface{}
	if err := msgpack.Unmarshal(b, &m); err == nil && len(m) > 0 {
		return fmt.Sprintf("%v", m)
	}
	return hex.EncodeToString(b)
}

func (e *Engine) recordErr(err error) {
	e.Mutex.Lock()
	if e.firstErr == nil {
		e.firstErr = err
	}
	e.Mutex.Unlock()
}

// FirstError returns the first federate failure of the run, if any.
func (e *Engine) FirstError() error {
	e.Mutex.Lock()
	defer e.Mutex.Unlock()
	return e.firstErr
}

func (e *Engine) setStatus(id int, s types.FederateStatus) {
	e.Mutex.Lock()
	e.Status[id] = s
	e.Mutex.Unlock()
}

// GetStatus returns the current status of a federate safely
func (e *Engine) GetStatus(id int) types.FederateStatus {
	e.Mutex.Lock()
	defer e.Mutex.Unlock()
	return e.Status[id]
}

// Counts returns how many scripted messages a federate has sent and how
// many deliveries it has received.
func (e *Engine) Counts(id int) (sent, received int) {
	e.Mutex.Lock()
	defer e.Mutex.Unlock()
	return e.sent[id], e.received[id]
}

// StartTime returns the federation start instant once announced.
func (e *Engine) StartTime() types.Instant {
	if e.rti == nil {
		return 0
	}
	return e.rti.StartTime()
}

func (e *Engine) IsRunning() bool {
	e.Mutex.Lock()
	defer e.Mutex.Unlock()
	return e.Running
}

func (e *Engine) finishFederate(id int) {
	e.Mutex.Lock()
	defer e.Mutex.Unlock()

	e.activeCount--
	if e.activeCount <= 0 {
		e.activeCount = 0
		e.Running = false
	}
}

// StopAll tears the whole federation down: federates first, then the RTI.
func (e *Engine) StopAll() {
	e.Cancel()

	for _, fr := range e.feds {
		fr.fed.Stop()
	}
	if e.rti != nil {
		e.rti.Stop()
	}

	e.Mutex.Lock()
	for id, s := range e.Status {
		if s == types.StatusRunning || s == types.StatusConnecting {
			e.Status[id] = types.StatusIdle
		}
	}
	e.Running = false
	e.activeCount = 0
	e.Mutex.Unlock()

	e.Log.Printf("federation stopped")
}
