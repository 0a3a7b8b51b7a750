package node

import (
	"encoding/json"

	"github.com/permissionlessweb/ergors/internal/channel"
	"github.com/permissionlessweb/ergors/internal/identity"
)

// maxFrameSize bounds a single websocket frame. Slightly above the record
// layer's plaintext cap to leave room for the AEAD overhead and sequence
// header.
const maxFrameSize = channel.MaxMessageSize + 64

// Envelope is the plaintext message format carried inside encrypted records.
// ID correlates a response with its request; fire-and-forget messages leave
// it empty.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Envelope types.
const (
	MsgPing     = "PING"
	MsgPong     = "PONG"
	MsgAnnounce = "ANNOUNCE"
	MsgSyncReq  = "SYNC_REQ"
	MsgSyncResp = "SYNC_RESP"
	MsgSyncAck  = "SYNC_ACK"
	MsgAckOK    = "ACK_OK"
	MsgError    = "ERROR"
)

// AnnouncePayload advertises a node's role, dialable address, and the roles
// it currently holds live channels to. Topology edges between remote nodes
// are learned from these.
type AnnouncePayload struct {
	Role           identity.Role   `json:"role"`
	Address        string          `json:"address"`
	ConnectedRoles []identity.Role `json:"connected_roles"`
}

// ErrorPayload carries a failure reply to a correlated request.
type ErrorPayload struct {
	Error string `json:"error"`
}
