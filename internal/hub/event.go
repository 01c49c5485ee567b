package hub

// EventKind identifies what happened on a client connection.
type EventKind int

const (
	EventAccept EventKind = iota + 1
	EventData
	EventEOF
)

func (k EventKind) String() string {
	switch k {
	case EventAccept:
		return "accept"
	case EventData:
		return "data"
	case EventEOF:
		return "eof"
	}
	return "unknown"
}

// Event is one readiness notification posted by the TCP server for the reactor.
// Data holds the bytes of one read for EventData.
type Event struct {
	Kind   EventKind
	Client *Client
	Data   []byte
}
