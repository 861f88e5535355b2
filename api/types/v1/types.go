// Package types defines the JSON types served by the voicebridge status API.
package types

// HealthResponse is the response from /api/v1/health
type HealthResponse struct {
	Status       string `json:"status"`
	Uptime       int64  `json:"uptime"`
	MediaServers int    `json:"media_servers_healthy"`
}

// StatsResponse is the response from /api/v1/stats
type StatsResponse struct {
	ActiveSessions int `json:"active_sessions"`
	TotalSessions  int `json:"total_sessions"`
	ActiveDialogs  int `json:"active_dialogs"`
	LinkedPairs    int `json:"linked_pairs"`
	Transfers      int `json:"transfers"`
	FailedBridges  int `json:"failed_bridges"`
}

// Session is a point-in-time view of one call session.
type Session struct {
	CallID                 string  `json:"call_id"`
	EndpointID             string  `json:"endpoint_id,omitempty"`
	From                   string  `json:"from"`
	To                     string  `json:"to"`
	Phase                  string  `json:"phase"`
	TransferTarget         string  `json:"transfer_target,omitempty"`
	HangupAfterPlayPending bool    `json:"hangup_after_play_pending"`
	AwaitingPlaybackStart  bool    `json:"awaiting_playback_start"`
	PairedLeg              string  `json:"paired_leg,omitempty"`
	LastConfidence         float64 `json:"last_confidence,omitempty"`
	StartedAt              string  `json:"started_at"`
	UpdatedAt              string  `json:"updated_at"`
}

// Dialog represents a SIP dialog (call leg)
type Dialog struct {
	CallID          string `json:"call_id"`
	State           string `json:"state"`
	Direction       string `json:"direction"`
	LocalURI        string `json:"local_uri"`
	RemoteURI       string `json:"remote_uri"`
	RemoteAddr      string `json:"remote_addr"`
	Duration        int    `json:"duration"`
	CreatedAt       string `json:"created_at"`
	TerminateReason string `json:"terminate_reason,omitempty"`
}

// MediaServer represents one media server in the pool
type MediaServer struct {
	Address   string `json:"address"`
	Healthy   bool   `json:"healthy"`
	Endpoints int    `json:"endpoints"`
}

// MediaServersResponse is the response from /api/v1/media
type MediaServersResponse struct {
	Total   int           `json:"total"`
	Healthy int           `json:"healthy"`
	Servers []MediaServer `json:"servers"`
}

// ErrorResponse is returned with non-2xx statuses
type ErrorResponse struct {
	Error string `json:"error"`
}
