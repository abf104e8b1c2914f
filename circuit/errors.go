package circuit

import (
	"errors"
	"fmt"

	"github.com/Yuni-sa/ngv-viewer-go/chunk"
)

var (
	// ErrNotReady is returned by dataset reads before a load has completed
	ErrNotReady = errors.New("circuit not loaded")

	// ErrSuperseded is returned by a load that a newer Load replaced
	ErrSuperseded = errors.New("circuit load superseded")

	// ErrIncompleteCache means the sentinel was set but a dataset key is missing
	ErrIncompleteCache = errors.New("incomplete cached circuit")
)

// ConsistencyError is a chunk tagged for another property than the one
// being transferred. The stream is out of step with the requests.
type ConsistencyError struct {
	Dimension chunk.Dimension
	Expected  string
	Received  string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("received %s %s chunk instead of expected %s", e.Received, e.Dimension, e.Expected)
}
