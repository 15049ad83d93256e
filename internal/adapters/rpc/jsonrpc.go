package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"fusionlink/go-backend/internal/app"
	"fusionlink/go-backend/internal/transport"
	"fusionlink/go-backend/pkg/models"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const maxBodyBytes int64 = 1 << 20

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorize(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow(clientKey(r, s.extractToken(r)), time.Now()) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeInvalidRequest(w, req.ID)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeInvalidRequest(w, req.ID)
		return
	}

	reqID := uuid.NewString()
	started := time.Now()
	s.logger.Debug("rpc request", "request_id", reqID, "method", req.Method)

	result, rpcErr := s.dispatch(r.Context(), req.Method, req.Params)
	if rpcErr != nil {
		s.logger.Info("rpc failed", "request_id", reqID, "method", req.Method, "rpc_code", rpcErr.Code, "latency_ms", time.Since(started).Milliseconds())
	} else {
		s.logger.Debug("rpc response", "request_id", reqID, "method", req.Method, "latency_ms", time.Since(started).Milliseconds())
	}
	writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr})
}

type whoamiResult struct {
	PublicKey string `json:"public_key"`
	NodeID    string `json:"node_id"`
	QRPayload string `json:"qr_payload"`
}

type keyResult struct {
	Fingerprint string    `json:"fingerprint"`
	PublicKey   string    `json:"public_key"`
	NodeID      string    `json:"node_id"`
	CreatedAt   time.Time `json:"created_at"`
}

type sendResult struct {
	Message models.Message `json:"message"`
}

func (s *Server) dispatch(ctx context.Context, method string, raw json.RawMessage) (any, *rpcError) {
	switch method {
	case "health_check":
		return map[string]string{"status": "ok"}, nil
	case "state.snapshot":
		return s.service.Snapshot(), nil
	case "node.whoami":
		key, err := s.service.PublicKeyText()
		if err != nil {
			return nil, serviceError(err)
		}
		payload, err := s.service.QRPayload()
		if err != nil {
			return nil, serviceError(err)
		}
		return whoamiResult{PublicKey: key, NodeID: s.service.LocalNodeID(), QRPayload: payload}, nil
	case "node.generateKeys":
		info, err := s.service.GenerateKeys(ctx)
		if err != nil {
			return nil, serviceError(err)
		}
		key, _ := s.service.PublicKeyText()
		return keyResult{
			Fingerprint: info.Fingerprint,
			PublicKey:   key,
			NodeID:      s.service.LocalNodeID(),
			CreatedAt:   info.CreatedAt,
		}, nil
	case "discovery.start":
		records, err := s.service.StartDiscovery(ctx)
		if err != nil {
			return nil, serviceError(err)
		}
		out := make([]models.ConnectionRecord, 0, len(records))
		for _, rec := range records {
			out = append(out, models.ConnectionRecord{
				Kind:    string(rec.Kind),
				Address: rec.Address,
				Name:    rec.Name,
				Signal:  rec.Signal,
				SeenAt:  rec.SeenAt,
			})
		}
		return out, nil
	case "transport.connect":
		var p struct {
			Kind    string `json:"kind"`
			Address string `json:"address"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, invalidParams(err)
		}
		kind, err := transport.ParseKind(p.Kind)
		if err != nil {
			return nil, invalidParams(err)
		}
		if err := s.service.Connect(ctx, app.Target{Kind: kind, Address: p.Address}); err != nil {
			return nil, serviceError(err)
		}
		return s.service.Snapshot().Transport, nil
	case "transport.cancelConnect":
		s.service.CancelConnect()
		return true, nil
	case "transport.disconnect":
		s.service.Disconnect()
		return true, nil
	case "peer.setKey":
		var p struct {
			Key string `json:"key"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, invalidParams(err)
		}
		if err := s.service.SetPeerKey(p.Key); err != nil {
			return nil, serviceError(err)
		}
		return s.service.Snapshot().Peer, nil
	case "peer.setNodeId":
		var p struct {
			NodeID string `json:"node_id"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, invalidParams(err)
		}
		if err := s.service.SetPeerNodeID(p.NodeID); err != nil {
			return nil, serviceError(err)
		}
		return s.service.Snapshot().Peer, nil
	case "peer.applyQr":
		var p struct {
			Payload string `json:"payload"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, invalidParams(err)
		}
		if err := s.service.ApplyQRPayload([]byte(p.Payload)); err != nil {
			return nil, serviceError(err)
		}
		return s.service.Snapshot().Peer, nil
	case "chat.send":
		var p struct {
			Text string `json:"text"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, invalidParams(err)
		}
		msg, err := s.service.SendMessage(ctx, p.Text)
		if err != nil {
			rpcErr := serviceError(err)
			if msg.Sequence != 0 {
				// The message is stored and will flush on reconnect.
				rpcErr.Data = errorData{Category: app.Classify(err), Message: &msg}
			}
			return nil, rpcErr
		}
		return sendResult{Message: msg}, nil
	case "chat.markRead":
		var p struct {
			Seq uint64 `json:"seq"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, invalidParams(err)
		}
		if p.Seq == 0 {
			return nil, invalidParams(errors.New("seq is required"))
		}
		if err := s.service.MarkRead(p.Seq); err != nil {
			return nil, serviceError(err)
		}
		return true, nil
	case "state.reset":
		var p struct {
			Full bool `json:"full"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, invalidParams(err)
		}
		if err := s.service.Reset(p.Full); err != nil {
			return nil, serviceError(err)
		}
		return s.service.Snapshot(), nil
	default:
		return nil, &rpcError{Code: -32601, Message: "method not found"}
	}
}

// decodeParams accepts an object, or nothing for methods whose fields are all optional.
func decodeParams(raw json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("params: %s", strings.TrimPrefix(err.Error(), "json: "))
	}
	return nil
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeInvalidRequest(w http.ResponseWriter, id json.RawMessage) {
	writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: -32600, Message: "invalid request"}})
}
