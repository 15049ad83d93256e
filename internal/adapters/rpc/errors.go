package rpc

import (
	"fusionlink/go-backend/internal/app"
	"fusionlink/go-backend/pkg/models"
)

// errorCodes gives each error category a stable JSON-RPC code in the server range.
var errorCodes = map[models.ErrorCode]int{
	models.ErrorEntropyUnavailable:   -32001,
	models.ErrorInvalidKeyFormat:     -32002,
	models.ErrorInvalidNodeID:        -32003,
	models.ErrorInvalidPeerKey:       -32004,
	models.ErrorPeerIdentityLocked:   -32005,
	models.ErrorNotConnected:         -32010,
	models.ErrorTransport:            -32011,
	models.ErrorTimeout:              -32012,
	models.ErrorCancelled:            -32013,
	models.ErrorSessionNotReady:      -32020,
	models.ErrorAuthenticationFailed: -32021,
	models.ErrorReplayDetected:       -32022,
	models.ErrorSequenceExhausted:    -32023,
	models.ErrorInvalidTransition:    -32030,
	models.ErrorStorage:              -32040,
	models.ErrorInvalidInput:         -32602,
	models.ErrorInternal:             -32603,
}

type errorData struct {
	Category models.ErrorCode `json:"category"`
	Message  *models.Message  `json:"message,omitempty"`
}

func invalidParams(err error) *rpcError {
	return &rpcError{Code: -32602, Message: err.Error(), Data: errorData{Category: models.ErrorInvalidInput}}
}

func serviceError(err error) *rpcError {
	category := app.Classify(err)
	code, ok := errorCodes[category]
	if !ok {
		code = -32603
	}
	return &rpcError{Code: code, Message: err.Error(), Data: errorData{Category: category}}
}
