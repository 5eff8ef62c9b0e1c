package events

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HTTPStart is emitted when the GraphQL endpoint receives a request.
type HTTPStart struct {
	Request   *http.Request
	RequestID uuid.UUID
}

// HTTPFinish is emitted after the response is written. Operations is the
// number of operations executed: the batch size, 1, or 0 when the request
// was rejected before execution.
type HTTPFinish struct {
	Request    *http.Request
	RequestID  uuid.UUID
	Status     int
	Operations int
	Duration   time.Duration
}
