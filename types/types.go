package types

// Instant is a point in logical or physical time, in nanoseconds.
type Instant = int64

// Interval is a difference between two instants, in nanoseconds.
type Interval = int64

type Config struct {
	Globals        Globals
	Federates      []Federate
	Messages       []Message
	MessagesByFrom map[int][]Message // Pre-indexed messages by sending federate ID
}

// IndexMessages populates MessagesByFrom for O(1) lookup by sender
func (c *Config) IndexMessages() {
	c.MessagesByFrom = make(map[int][]Message, len(c.Federates))
	for _, m := range c.Messages {
		c.MessagesByFrom[m.From] = append(c.MessagesByFrom[m.From], m)
	}
}

type Globals struct {
	RTIHost         string
	RTIPort         int
	RetryIntervalMs int // ms between connection attempts
	MaxRetries      int // additional attempts after the first failure
	DurationMs      int // run duration; <= 0 means unbounded
	StartGraceMs    int // added by the RTI to the latest reported physical time
	LogLines        int // Max lines in memory buffer (default 1000)
}

type Federate struct {
	ID   int
	Name string
}

type Message struct {
	From    int
	To      int
	Port    int
	Kind    string                 // "plain" or "timed"
	Value   string                 // hex payload; ignored when Payload is set
	Payload map[string]interface{} // structured payload, msgpack-encoded on send
	TDelta  int                    // ms since previous message from the same sender
}

type FederateStatus int

const (
	StatusIdle FederateStatus = iota
	StatusConnecting
	StatusRunning
	StatusCompleted
	StatusError
)

func (s FederateStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}
