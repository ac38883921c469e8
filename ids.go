package dialogdriver

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a time-sortable unique identifier, used for subdialog ids,
// callIds, questionIds, and responseIds. UUIDv7's embedded timestamp keeps
// ids naturally ordered, which the FIFO delivery guarantees benefit from.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Now returns the current time. Indirected so tests can observe ordering
// without depending on wall-clock granularity.
var Now = time.Now
