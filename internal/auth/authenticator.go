package auth

import (
	"context"
)

// Authenticator defines how the relay verifies a device before issuing it
// an actor token. Implementations can swap the credential scheme (shared
// device secret, signed challenge) without touching the relay handlers.
type Authenticator interface {
	// Register binds a credential to an actor ID the first time it is seen.
	Register(ctx context.Context, actorID, credential string) error

	// Authenticate verifies the credential presented for actorID.
	Authenticate(ctx context.Context, actorID, credential string) error

	// ValidateCredential checks if the credential meets the implementation's requirements.
	ValidateCredential(credential string) error
}
