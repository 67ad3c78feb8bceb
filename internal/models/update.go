package models

// UpdateRecord is one opaque document diff as stored and served by the relay.
type UpdateRecord struct {
	// ID is assigned by the relay.
	ID string `json:"id"`

	GroupID string `json:"groupId"`

	// Timestamp orders records within a group, in Unix milliseconds.
	// The relay keeps it strictly increasing per group.
	Timestamp int64 `json:"timestamp"`

	// ActorID is the member whose device produced the diff.
	ActorID string `json:"actorId"`

	// UpdateData is the base64 (std encoding) of the raw diff bytes.
	UpdateData string `json:"updateData"`

	// Version is an optional opaque tag for the document version after the diff.
	Version string `json:"version,omitempty"`
}

// OfflineOperation is a push that could not reach the relay and waits in
// the local queue. It has the shape of an UpdateRecord without the ID.
type OfflineOperation struct {
	// Seq is the local queue position.
	Seq int64 `json:"seq"`

	GroupID    string `json:"groupId"`
	Timestamp  int64  `json:"timestamp"`
	ActorID    string `json:"actorId"`
	UpdateData string `json:"updateData"`
	Version    string `json:"version,omitempty"`
}
