package fetch

import "fmt"

// ErrorKind partitions fetch failures by how the batch processor should
// react to them.
type ErrorKind int

const (
	// NotFound means the provider returned a null result. The block may
	// simply not exist yet.
	NotFound ErrorKind = iota
	// Timeout means the per-call deadline expired.
	Timeout
	// Upstream means the provider answered with a JSON-RPC error object.
	Upstream
	// Transport covers network failures, non-2xx HTTP responses and
	// undecodable payloads.
	Transport
)

func (k ErrorKind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case Timeout:
		return "timeout"
	case Upstream:
		return "upstream error"
	case Transport:
		return "transport error"
	default:
		return "unknown"
	}
}

// Error is the tagged failure returned by Client. Code carries the
// JSON-RPC error code for Upstream errors and the HTTP status for
// Transport errors that reached the server.
type Error struct {
	Kind    ErrorKind
	Block   uint64
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("block %d: %s (%d): %s", e.Block, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("block %d: %s: %s", e.Block, e.Kind, e.Message)
}

// KindOf extracts the classification of a fetch error. The second return
// is false for errors that did not originate in this package.
func KindOf(err error) (ErrorKind, bool) {
	fe, ok := err.(*Error)
	if !ok {
		return 0, false
	}
	return fe.Kind, true
}
