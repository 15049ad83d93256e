package app

import (
	"context"
	"errors"

	"fusionlink/go-backend/internal/crypto"
	"fusionlink/go-backend/internal/identity"
	"fusionlink/go-backend/internal/securestore"
	"fusionlink/go-backend/internal/storage"
	"fusionlink/go-backend/internal/transport"
	"fusionlink/go-backend/pkg/models"
)

var (
	ErrInvalidPhase = errors.New("command not allowed in current phase")
	ErrEmptyMessage = errors.New("message text is required")
	ErrHalted       = errors.New("coordinator halted until full reset")
	ErrClosed       = errors.New("coordinator closed")

	ErrConnectInProgress = errors.New("connect already in progress")
	ErrUnknownMessage    = errors.New("unknown message")
)

// CategorizedError carries the taxonomy code of an error to the UI.
type CategorizedError struct {
	Category models.ErrorCode
	Err      error
}

func (e *CategorizedError) Error() string {
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

func categorize(err error) error {
	if err == nil {
		return nil
	}
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return err
	}
	return &CategorizedError{Category: Classify(err), Err: err}
}

// Classify maps any error onto the UI taxonomy.
func Classify(err error) models.ErrorCode {
	if err == nil {
		return ""
	}
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	switch {
	case errors.Is(err, identity.ErrEntropyUnavailable):
		return models.ErrorEntropyUnavailable
	case errors.Is(err, identity.ErrInvalidKeyFormat):
		return models.ErrorInvalidKeyFormat
	case errors.Is(err, identity.ErrInvalidNodeID):
		return models.ErrorInvalidNodeID
	case errors.Is(err, identity.ErrInvalidPeerKey):
		return models.ErrorInvalidPeerKey
	case errors.Is(err, identity.ErrPeerIdentityLocked):
		return models.ErrorPeerIdentityLocked
	case errors.Is(err, transport.ErrNotConnected):
		return models.ErrorNotConnected
	case errors.Is(err, transport.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return models.ErrorTimeout
	case errors.Is(err, transport.ErrTransport), errors.Is(err, transport.ErrBackendUnavailable),
		errors.Is(err, transport.ErrAlreadyConnected):
		return models.ErrorTransport
	case errors.Is(err, crypto.ErrSessionNotReady), errors.Is(err, crypto.ErrPeerIncomplete):
		return models.ErrorSessionNotReady
	case errors.Is(err, crypto.ErrAuthenticationFailed), errors.Is(err, crypto.ErrMalformedMessage):
		return models.ErrorAuthenticationFailed
	case errors.Is(err, crypto.ErrReplayDetected):
		return models.ErrorReplayDetected
	case errors.Is(err, crypto.ErrSequenceExhausted):
		return models.ErrorSequenceExhausted
	case errors.Is(err, crypto.ErrInvalidTransition), errors.Is(err, ErrInvalidPhase),
		errors.Is(err, ErrConnectInProgress), errors.Is(err, identity.ErrNoKeyGenerated):
		return models.ErrorInvalidTransition
	case errors.Is(err, context.Canceled):
		return models.ErrorCancelled
	case errors.Is(err, transport.ErrInvalidAddress), errors.Is(err, ErrEmptyMessage),
		errors.Is(err, ErrUnknownMessage):
		return models.ErrorInvalidInput
	case errors.Is(err, securestore.ErrAuthFailed), errors.Is(err, securestore.ErrInvalid),
		errors.Is(err, storage.ErrMessageConflict), errors.Is(err, identity.ErrVaultCorrupted),
		errors.Is(err, crypto.ErrSessionStore):
		return models.ErrorStorage
	default:
		return models.ErrorInternal
	}
}

// isSessionFatal reports errors that discard the session and require the peer identity to be re-entered.
func isSessionFatal(err error) bool {
	return errors.Is(err, identity.ErrInvalidPeerKey) ||
		errors.Is(err, crypto.ErrAuthenticationFailed) ||
		errors.Is(err, crypto.ErrReplayDetected)
}
