// Package domain defines the core data types and errors shared across the
// botfleet session manager, credential store, and HTTP layers.
package domain

// Pairing statuses reported by the lifecycle manager.
const (
	PairStatusCode             = "code"
	PairStatusAlreadyConnected = "already_connected"
	PairStatusConnecting       = "connecting"
)

// Bulk connect statuses reported per tenant.
const (
	BulkStatusInitiated        = "connection_initiated"
	BulkStatusAlreadyConnected = "already_connected"
	BulkStatusQueued           = "queued"
	BulkStatusFailed           = "failed"
)

// PairResult is returned by a pairing request. Code is set only when the
// network issued a pairing code for an unregistered identity.
type PairResult struct {
	Tenant string `json:"number,omitempty"`
	Status string `json:"status,omitempty"`
	Code   string `json:"code,omitempty"`
}

// BulkResult reports what happened to one tenant in a bulk connect.
type BulkResult struct {
	Tenant string `json:"number"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ActiveResponse is the JSON body listing registered connections.
type ActiveResponse struct {
	Count   int      `json:"count"`
	Numbers []string `json:"numbers"`
}

// BulkResponse is the JSON body returned by the bulk connect endpoints.
type BulkResponse struct {
	Status      string       `json:"status"`
	Total       int          `json:"total"`
	Connections []BulkResult `json:"connections"`
}

// ErrorResponse is the JSON body returned by the server for structured errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}
