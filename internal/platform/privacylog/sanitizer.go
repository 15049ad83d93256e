package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

type action int

const (
	keep action = iota
	redact
	fingerprint
	measure
)

var (
	processSalt = newSalt()

	// Relay identities and link handles correlate devices across logs.
	fingerprinted = map[string]struct{}{
		"node_id":       {},
		"local_node_id": {},
		"peer_node_id":  {},
		"address":       {},
		"handle_id":     {},
		"public_key":    {},
		"peer_key":      {},
		"fingerprint":   {},
		"session_id":    {},
	}
	// Message content is logged by size only.
	measured = map[string]struct{}{
		"text":       {},
		"body":       {},
		"payload":    {},
		"ciphertext": {},
	}
	redactedParts = []string{"token", "secret", "password", "passphrase", "private", "plaintext", "session_key", "mnemonic", "safety"}
)

// Handler wraps another slog.Handler so that no key material, message text or raw relay
// identifier reaches the log sink.
type Handler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &Handler{next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(sanitize(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{next: h.next.WithAttrs(sanitizeAll(attrs))}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name)}
}

// FingerprintID maps an identifier to a short value that is stable for the life of the process
// and unlinkable across restarts.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(processSalt + "|" + trimmed))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func classify(key string) action {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, part := range redactedParts {
		if strings.Contains(key, part) {
			return redact
		}
	}
	if _, ok := fingerprinted[key]; ok {
		return fingerprint
	}
	if _, ok := measured[key]; ok {
		return measure
	}
	return keep
}

func sanitize(attr slog.Attr) slog.Attr {
	value := attr.Value.Resolve()
	switch classify(attr.Key) {
	case redact:
		return slog.String(attr.Key, redactedValue)
	case fingerprint:
		return slog.String(attr.Key+"_fp", FingerprintID(valueString(value)))
	case measure:
		return slog.Int(attr.Key+"_len", valueLen(value))
	}
	if value.Kind() == slog.KindGroup {
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(sanitizeAll(value.Group())...)}
	}
	return slog.Attr{Key: attr.Key, Value: value}
}

func sanitizeAll(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, sanitize(attr))
	}
	return out
}

func valueString(v slog.Value) string {
	if v.Kind() == slog.KindString {
		return v.String()
	}
	if b, ok := v.Any().([]byte); ok {
		return hex.EncodeToString(b)
	}
	return fmt.Sprint(v.Any())
}

func valueLen(v slog.Value) int {
	switch x := v.Any().(type) {
	case string:
		return len(x)
	case []byte:
		return len(x)
	default:
		return len(fmt.Sprint(x))
	}
}

func newSalt() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "privacylog"
	}
	return hex.EncodeToString(buf)
}
