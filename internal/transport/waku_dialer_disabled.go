//go:build !real_waku

package transport

import (
	"fmt"
	"log/slog"
)

// NewWakuDialer is only available in builds tagged real_waku.
func NewWakuDialer(_ WakuConfig, _ *slog.Logger) (Dialer, error) {
	return nil, fmt.Errorf("%w: go-waku support not compiled in (build with -tags real_waku)", ErrBackendUnavailable)
}
