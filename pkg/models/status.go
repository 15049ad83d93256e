package models

import "strings"

type MessageStatus string

const (
	StatusQueued    MessageStatus = "queued"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// NormalizeStatus maps free-form text onto a known status; unknown text yields "".
func NormalizeStatus(raw string) MessageStatus {
	switch s := MessageStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusQueued, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return s
	default:
		return ""
	}
}

// MergeStatus applies candidate on top of current. Transitions only move forward
// and Failed is terminal.
func MergeStatus(current, candidate MessageStatus) MessageStatus {
	if current == StatusFailed {
		return current
	}
	if candidate == StatusFailed {
		return candidate
	}
	if statusRank(candidate) >= statusRank(current) {
		return candidate
	}
	return current
}

func statusRank(s MessageStatus) int {
	switch s {
	case StatusQueued:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	default:
		return 0
	}
}
