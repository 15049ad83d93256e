package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"fusionlink/go-backend/internal/crypto"
	"fusionlink/go-backend/internal/identity"
	"fusionlink/go-backend/internal/securestore"
	"fusionlink/go-backend/internal/transport"
	"fusionlink/go-backend/pkg/models"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want models.ErrorCode
	}{
		{fmt.Errorf("wrap: %w", identity.ErrInvalidKeyFormat), models.ErrorInvalidKeyFormat},
		{fmt.Errorf("%w: %w", ErrHalted, identity.ErrEntropyUnavailable), models.ErrorEntropyUnavailable},
		{transport.ErrNotConnected, models.ErrorNotConnected},
		{context.DeadlineExceeded, models.ErrorTimeout},
		{fmt.Errorf("%w: relay unavailable", transport.ErrTransport), models.ErrorTransport},
		{crypto.ErrReplayDetected, models.ErrorReplayDetected},
		{crypto.ErrMalformedMessage, models.ErrorAuthenticationFailed},
		{fmt.Errorf("%w: %w", ErrInvalidPhase, identity.ErrNoKeyGenerated), models.ErrorInvalidTransition},
		{context.Canceled, models.ErrorCancelled},
		{securestore.ErrAuthFailed, models.ErrorStorage},
		{fmt.Errorf("%w: disk full", crypto.ErrSessionStore), models.ErrorStorage},
		{errors.New("boom"), models.ErrorInternal},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestCategorizeKeepsChain(t *testing.T) {
	err := categorize(fmt.Errorf("send: %w", transport.ErrNotConnected))
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Fatal("categorized error lost its cause")
	}
	if again := categorize(err); again != err {
		t.Fatal("categorize must not wrap twice")
	}
	if categorize(nil) != nil {
		t.Fatal("nil stays nil")
	}
}

func TestSessionFatalErrors(t *testing.T) {
	for _, err := range []error{identity.ErrInvalidPeerKey, crypto.ErrAuthenticationFailed, crypto.ErrReplayDetected} {
		if !isSessionFatal(fmt.Errorf("x: %w", err)) {
			t.Fatalf("%v must be session fatal", err)
		}
	}
	if isSessionFatal(transport.ErrNotConnected) {
		t.Fatal("a lost link is not session fatal")
	}
}
