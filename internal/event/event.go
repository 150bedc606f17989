// Package event defines the values carried on the hotwatch event bus.
package event

import "fmt"

// Kind identifies an Event variant.
type Kind int

const (
	KindStart Kind = iota
	KindFileChange
	KindCmdFinished
	KindHTTPRequest
	KindStreamClosed
	KindQuit
)

// String returns the string representation of the Kind
func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindFileChange:
		return "file_change"
	case KindCmdFinished:
		return "cmd_finished"
	case KindHTTPRequest:
		return "http_request"
	case KindStreamClosed:
		return "stream_closed"
	case KindQuit:
		return "quit"
	default:
		return "unknown"
	}
}

// ConnID identifies one client connection by its remote address.
type ConnID string

// Event is an immutable tagged value. Only the field matching Kind is set.
type Event struct {
	Kind   Kind
	Path   string // KindFileChange
	ConnID ConnID // KindHTTPRequest, KindStreamClosed
}

func Start() Event { return Event{Kind: KindStart} }

func FileChange(path string) Event { return Event{Kind: KindFileChange, Path: path} }

func CmdFinished() Event { return Event{Kind: KindCmdFinished} }

func HTTPRequest(id ConnID) Event { return Event{Kind: KindHTTPRequest, ConnID: id} }

func StreamClosed(id ConnID) Event { return Event{Kind: KindStreamClosed, ConnID: id} }

func Quit() Event { return Event{Kind: KindQuit} }

// For reports whether the event is scoped to the given connection.
func (e Event) For(id ConnID) bool {
	switch e.Kind {
	case KindHTTPRequest, KindStreamClosed:
		return e.ConnID == id
	default:
		return false
	}
}

func (e Event) String() string {
	switch e.Kind {
	case KindFileChange:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Path)
	case KindHTTPRequest, KindStreamClosed:
		return fmt.Sprintf("%s(%s)", e.Kind, e.ConnID)
	default:
		return e.Kind.String()
	}
}
