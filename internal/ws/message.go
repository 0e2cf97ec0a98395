package ws

import "taskhub/api/internal/presence"

// ClientMessage is the request side of the socket RPC. Type selects the
// operation; the remaining fields are read per type.
type ClientMessage struct {
	Type        string `json:"type"`
	ResourceID  string `json:"resourceId,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

const (
	msgSubscribe      = "subscribe"
	msgUnsubscribe    = "unsubscribe"
	msgJoinWorkspace  = "join_workspace"
	msgLeaveWorkspace = "leave_workspace"
	msgEditStart      = "edit_start"
	msgEditEnd        = "edit_end"
	msgHeartbeat      = "heartbeat"
	msgGetEditStatus  = "get_edit_status"
)

// ServerMessage is everything the server writes: advisory events, RPC
// replies, and error notices.
type ServerMessage struct {
	Type        string               `json:"type"`
	ResourceID  string               `json:"resourceId,omitempty"`
	WorkspaceID string               `json:"workspaceId,omitempty"`
	Event       *presence.Event      `json:"event,omitempty"`
	Status      *presence.EditStatus `json:"status,omitempty"`
	Roster      []presence.Identity  `json:"roster,omitempty"`
	Error       string               `json:"error,omitempty"`
}

const (
	msgEvent      = "event"
	msgAck        = "ack"
	msgEditStatus = "edit_status"
	msgRoster     = "roster"
	msgError      = "error"
	msgWelcome    = "welcome"
)
