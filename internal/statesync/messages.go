package statesync

import "github.com/permissionlessweb/ergors/internal/store"

// SyncRequest asks a peer for entries of one prefix newer than a version.
type SyncRequest struct {
	Prefix       string `json:"prefix"`
	SinceVersion uint64 `json:"since_version"`
}

// SyncResponse carries a bounded, version-ascending batch of entries.
// HasMore signals the requester to pull again.
type SyncResponse struct {
	Prefix  string                 `json:"prefix"`
	Entries []store.VersionedEntry `json:"entries"`
	HasMore bool                   `json:"has_more"`
}

// SyncAck confirms the requester has durably applied entries up to and
// including ThroughVersion. The responder's view of what the peer holds
// advances only on ack.
type SyncAck struct {
	Prefix         string `json:"prefix"`
	ThroughVersion uint64 `json:"through_version"`
}
