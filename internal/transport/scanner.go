package transport

import (
	"context"
	"time"
)

// StaticScanner reports a fixed list of known fusion nodes, for hosts without a radio scan API.
type StaticScanner struct {
	records []ConnectionRecord
	now     func() time.Time
}

func NewStaticScanner(records []ConnectionRecord) *StaticScanner {
	return &StaticScanner{
		records: append([]ConnectionRecord(nil), records...),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *StaticScanner) Scan(ctx context.Context) ([]ConnectionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seenAt := s.now()
	out := make([]ConnectionRecord, 0, len(s.records))
	for _, rec := range s.records {
		addr, err := NormalizeAddress(rec.Kind, rec.Address)
		if err != nil {
			continue
		}
		rec.Address = addr
		rec.SeenAt = seenAt
		out = append(out, rec)
	}
	return out, nil
}

// ScannerFunc adapts a function to the Scanner interface.
type ScannerFunc func(ctx context.Context) ([]ConnectionRecord, error)

func (f ScannerFunc) Scan(ctx context.Context) ([]ConnectionRecord, error) { return f(ctx) }
