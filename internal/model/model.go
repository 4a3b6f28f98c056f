// Package model defines domain entities shared by the sync, access and
// connection layers.
package model

import "time"

// ConnectionState is the lifecycle state of the push channel. It is owned
// exclusively by the connection manager.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateDisabled
)

// String returns a stable lowercase name for logging.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// AccessType classifies how a user came to hold (or lose) access to content.
type AccessType string

const (
	AccessTrial    AccessType = "trial"
	AccessPaid     AccessType = "paid"
	AccessRedeemed AccessType = "redeemed"
	AccessExpired  AccessType = "expired"
)

// AccessSignal is a raw entitlement observation from any source: a purchase
// record, a redemption record, a push update or a REST response.
type AccessSignal struct {
	HasAccess     bool   `json:"hasAccess"`
	RemainingDays *int   `json:"remainingDays,omitempty"`
	PaymentMethod string `json:"paymentMethod,omitempty"`
	Timestamp     int64  `json:"timestamp"` // epoch ms, source time
}

// AccessStatus is the canonical result of classifying a signal against
// content metadata.
type AccessStatus struct {
	HasAccess     bool       `json:"hasAccess"`
	AccessType    AccessType `json:"accessType"`
	RemainingDays *int       `json:"remainingDays,omitempty"`
}

// AccessRecord is the cached per-(user, content) entitlement state.
// Invariant: RemainingDays <= 0 implies AccessType == AccessExpired and
// HasAccess == false, regardless of any other signal.
type AccessRecord struct {
	HasAccess       bool       `json:"hasAccess"`
	AccessType      AccessType `json:"accessType"`
	RemainingDays   *int       `json:"remainingDays,omitempty"`
	PaymentMethod   string     `json:"paymentMethod,omitempty"`
	SourceTimestamp int64      `json:"timestamp"` // epoch ms
}

// ContentMeta is the subset of content metadata the reconciler needs.
type ContentMeta struct {
	ID        string `json:"id"`
	IsFree    bool   `json:"isFree"`
	HasAccess bool   `json:"hasAccess,omitempty"` // direct property set by listing endpoints
}

// Purchase is one entry of the user's purchase list, used for expiry math.
type Purchase struct {
	ContentID     string    `json:"contentId"`
	PaymentMethod string    `json:"paymentMethod"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// RemainingDays computes whole days left until expiry, rounding up so that a
// purchase expiring later today still counts as one day.
func (p Purchase) RemainingDays(now time.Time) int {
	d := p.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// AnsweredItem is a single answered question within a snapshot.
type AnsweredItem struct {
	ItemIndex      int    `json:"itemIndex"`
	IsCorrect      bool   `json:"isCorrect"`
	SelectedOption string `json:"selectedOption"`
	UpdatedAt      int64  `json:"updatedAt"` // epoch ms
}

// ProgressSnapshot is the full per-(user, content) learning progress record.
// The local store is authoritative while PendingSync is true.
type ProgressSnapshot struct {
	LastItemIndex    int            `json:"lastItemIndex"`
	AnsweredItems    []AnsweredItem `json:"answeredItems"`
	TimeSpentSeconds int            `json:"timeSpentSeconds"`
	PendingSync      bool           `json:"pendingSync"`
	LastUpdated      time.Time      `json:"lastUpdated"`
}

// Item returns the answered item with the given index, or nil.
func (s *ProgressSnapshot) Item(index int) *AnsweredItem {
	for i := range s.AnsweredItems {
		if s.AnsweredItems[i].ItemIndex == index {
			return &s.AnsweredItems[i]
		}
	}
	return nil
}

// RateWindow is the per-operation sliding-window counter kept by the guard.
type RateWindow struct {
	Count        int
	WindowStart  time.Time
	BlockedUntil time.Time
}

// RefreshSchedule tracks bulk-refresh freshness for one content collection.
type RefreshSchedule struct {
	LastFullRefreshAt time.Time
	InFlight          bool
}
