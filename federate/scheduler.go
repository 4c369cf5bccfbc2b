package federate

import "github.com/chanijjani/lingua-franca/types"

// Delivery is one payload handed over by the listener, with the delay
// computed at hand-over time.
type Delivery struct {
	Action  ActionRef
	Delay   types.Interval
	Payload []byte
}

// ChannelScheduler is a Scheduler that passes deliveries to the engine
// over a channel instead of calling into scheduler internals directly.
// The engine drains Deliveries on its own goroutine.
type ChannelScheduler struct {
	ch chan Delivery
}

func NewChannelScheduler(buffer int) *ChannelScheduler {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelScheduler{ch: make(chan Delivery, buffer)}
}

func (s *ChannelScheduler) Deliver(action ActionRef, delay types.Interval, payload []byte) {
	s.ch <- Delivery{Action: action, Delay: delay, Payload: payload}
}

// Deliveries is the receive side the engine drains.
func (s *ChannelScheduler) Deliveries() <-chan Delivery {
	return s.ch
}
