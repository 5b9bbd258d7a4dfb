// Package types defines shared API types for the gateway and its clients.
package types

// HealthResponse is the response from /api/v1/health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime"`
}

// TokenRequest is the request body for POST /api/v1/token
type TokenRequest struct {
	Identity string `json:"identity"`
}

// TokenResponse is the response from POST /api/v1/token
type TokenResponse struct {
	Token string `json:"token"`
}

// CallRequest is the request body for POST /api/v1/call
type CallRequest struct {
	To string `json:"to"`
}

// CallResponse is the response from POST /api/v1/call
type CallResponse struct {
	Success bool   `json:"success"`
	CallSID string `json:"call_sid"`
}

// CallStatus is the response from GET /api/v1/call/{sid}
type CallStatus struct {
	Status    string `json:"status"`
	Direction string `json:"direction"`
	Duration  int    `json:"duration"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// CallRecord is one entry in the response from GET /api/v1/calls
type CallRecord struct {
	SID         string `json:"sid"`
	To          string `json:"to"`
	From        string `json:"from"`
	Status      string `json:"status"`
	Direction   string `json:"direction"`
	Duration    int    `json:"duration"`
	DateCreated string `json:"date_created"`
}

// ErrorResponse is the body returned for non-2xx API responses
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
