package db

import (
	"strings"
	"time"
)

// Status is the delivery lifecycle state shared by DeliveryRecord and Message.
//
// Progress states are ordered PENDING < SENT < DELIVERED < READ. FAILED is
// reachable from PENDING and SENT only and absorbs every later event.
type Status string

// Status constants
const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
	StatusFailed    Status = "FAILED"
)

// ParseStatus accepts the upper- or lower-case status name.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	return st, st.Valid()
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// Rank is the position of s in the progress order. FAILED and unknown values
// have no position and rank -1.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusRead || s == StatusFailed
}

// MergeStatus resolves the status a record holding current should move to when
// incoming is observed. The second result is false when the event is a no-op:
// a regression, a repeat, an unknown status, anything after FAILED, or FAILED
// arriving after the message was already delivered or read.
func MergeStatus(current, incoming Status) (Status, bool) {
	if !incoming.Valid() || current == StatusFailed {
		return current, false
	}

	if incoming == StatusFailed {
		if current.Rank() >= StatusDelivered.Rank() {
			return current, false
		}
		return StatusFailed, true
	}

	if incoming.Rank() > current.Rank() {
		return incoming, true
	}
	return current, false
}

// TransitionTimes fills the delivery and read timestamps implied by resolved.
// Existing timestamps are kept; READ implies DELIVERED.
func TransitionTimes(resolved Status, at time.Time, deliveredAt, readAt *time.Time) (*time.Time, *time.Time) {
	if resolved.Rank() >= StatusDelivered.Rank() && deliveredAt == nil {
		t := at
		deliveredAt = &t
	}
	if resolved == StatusRead && readAt == nil {
		t := at
		readAt = &t
	}
	return deliveredAt, readAt
}
