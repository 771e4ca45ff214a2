package events

import "time"

// FetchStart is emitted before the fetch client executes an operation.
type FetchStart struct {
	OperationName string
	OperationType string
	Policy        string
}

// FetchFinish is emitted after the fetch client completes an operation.
// Source is "cache" or "network" for the path that produced the result.
type FetchFinish struct {
	OperationName string
	OperationType string
	Policy        string
	Source        string
	Err           error
	Duration      time.Duration
}

// NetworkStart is emitted before a request is sent to the GraphQL server.
type NetworkStart struct {
	OperationName string
	Endpoint      string
}

// NetworkFinish is emitted after the server response is read.
type NetworkFinish struct {
	OperationName string
	Endpoint      string
	Status        int
	Err           error
	Duration      time.Duration
}
