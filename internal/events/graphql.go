package events

import "time"

// GraphQLStart is emitted before executing a GraphQL operation.
type GraphQLStart struct {
	Query         string
	OperationName string
	OperationType string
}

// GraphQLFinish is emitted after executing a GraphQL operation.
// PlanCached reports whether the projection tree was already compiled.
type GraphQLFinish struct {
	Query         string
	OperationName string
	OperationType string
	PlanCached    bool
	Errors        []error
	Duration      time.Duration
}
