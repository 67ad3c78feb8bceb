package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/mmynk/ledgersync/pkg/sentinel"
)

var (
	ErrInvalidCredentials = errors.New("invalid actor id or secret")
	ErrWeakSecret         = errors.New("device secret must be at least 16 characters")
	ErrActorExists        = errors.New("actor already registered")
)

const minSecretLength = 16

// ActorStorage persists the hashed device secret of each actor.
type ActorStorage interface {
	CreateActor(ctx context.Context, actorID, secretHash string) error

	// GetActorSecretHash returns an error wrapping sentinel.ErrNotFound for
	// unknown actors.
	GetActorSecretHash(ctx context.Context, actorID string) (string, error)
}

// SecretAuthenticator authenticates devices by a bcrypt-hashed shared secret.
type SecretAuthenticator struct {
	storage ActorStorage
}

// NewSecretAuthenticator creates a new secret-based authenticator.
func NewSecretAuthenticator(storage ActorStorage) *SecretAuthenticator {
	return &SecretAuthenticator{storage: storage}
}

// ValidateCredential checks if the secret meets minimum requirements.
func (a *SecretAuthenticator) ValidateCredential(credential string) error {
	if len(credential) < minSecretLength {
		return ErrWeakSecret
	}
	return nil
}

// Register stores a hash of the device secret for a new actor.
func (a *SecretAuthenticator) Register(ctx context.Context, actorID, credential string) error {
	if actorID == "" {
		return ErrInvalidCredentials
	}
	if err := a.ValidateCredential(credential); err != nil {
		return err
	}

	_, err := a.storage.GetActorSecretHash(ctx, actorID)
	if err == nil {
		return ErrActorExists
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return fmt.Errorf("failed to look up actor: %w", err)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash secret: %w", err)
	}

	if err := a.storage.CreateActor(ctx, actorID, string(hashed)); err != nil {
		return fmt.Errorf("failed to create actor: %w", err)
	}
	return nil
}

// Authenticate compares the presented secret with the stored hash.
func (a *SecretAuthenticator) Authenticate(ctx context.Context, actorID, credential string) error {
	hash, err := a.storage.GetActorSecretHash(ctx, actorID)
	if err != nil {
		return ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(credential)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
