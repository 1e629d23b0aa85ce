package models

import "time"

// SessionInfo is the Session Registry's public snapshot of one live
// Connector session, as returned by GET /connectors.
type SessionInfo struct {
	NodeID      string    `json:"mac"`
	ConnectedAt time.Time `json:"connected_at"`
}
