package federate

import (
	"errors"
	"fmt"

	"github.com/chanijjani/lingua-franca/wire"
)

// listen owns the read side of the RTI connection for the rest of the
// process lifetime. Spawned by Synchronize once the start-time handshake
// is over; no other goroutine reads the connection after that.
func (f *Federate) listen() {
	defer close(f.done)

	for {
		frame, err := wire.Read(f.conn)
		if err != nil {
			if f.ctx.Err() != nil {
				// Stop closed the connection under us.
				return
			}
			if errors.Is(err, wire.ErrUnknownFrameType) {
				f.fatal(fmt.Errorf("%w: %v", ErrProtocolViolation, err))
				return
			}
			// The transport is assumed reliable, so a mid-stream failure
			// means the RTI went away. All framing state is lost.
			f.fatal(fmt.Errorf("read from RTI: %w", err))
			return
		}

		switch frame.Tag {
		case wire.TagMessage:
			action, ok := f.resolve(frame.Port)
			if !ok {
				f.log("dropping message for unknown port %d", frame.Port)
				continue
			}
			f.sched.Deliver(action, 0, frame.Payload)

		case wire.TagTimedMessage:
			action, ok := f.resolve(frame.Port)
			if !ok {
				f.log("dropping timed message for unknown port %d", frame.Port)
				continue
			}
			// Hold the clock lock from the logical time read through the
			// enqueue, so the clock cannot advance between the two and
			// make the delay stale.
			f.clockMu.Lock()
			delay := frame.Timestamp - f.clock.LogicalTime()
			f.sched.Deliver(action, delay, frame.Payload)
			f.clockMu.Unlock()

		default:
			f.fatal(fmt.Errorf("%w: unexpected tag %d during execution",
				ErrProtocolViolation, frame.Tag))
			return
		}
	}
}

func (f *Federate) resolve(port uint16) (ActionRef, bool) {
	if f.actions == nil {
		return nil, true
	}
	return f.actions.ActionForPort(port)
}

// fatal records the error that ends this federate's participation in the
// federation and makes it observable on Errors.
func (f *Federate) fatal(err error) {
	f.log("listener terminated: %v", err)
	select {
	case f.errs <- err:
	default:
	}
}
