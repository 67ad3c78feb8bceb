// Package sentinel holds error values shared across the replication engine.
// Stores and infrastructure layers return these (optionally wrapped) so
// callers can branch with errors.Is without depending on each other.
//
//   - ErrNotFound: the entry or record does not exist
//   - ErrInvalidState: the entity is in the wrong state for the operation
//   - ErrDecryption: a payload could not be opened with the key at hand
//   - ErrTransport: the relay was unreachable or rejected the request
//   - ErrOffline: a foreground operation needs connectivity
package sentinel

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrDecryption   = errors.New("decryption failed")
	ErrTransport    = errors.New("relay transport error")
	ErrOffline      = errors.New("offline")
)
