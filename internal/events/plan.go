package events

import "time"

// PlanCompiled is emitted after a query document was compiled into a
// projection tree.
type PlanCompiled struct {
	OperationName string
	Nodes         int
	Variables     int
	Err           error
	Duration      time.Duration
}
