package database

import (
	"time"
)

// Trader is one screening unit: a filter snippet plus its schedule and
// owner. UserID is empty for built-in traders, which are owned by the
// system and operable by admins.
type Trader struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	Name              string    `json:"name"`
	Enabled           bool      `json:"enabled"`
	FilterSource      string    `json:"filter_source"`
	FilterTimeframes  []string  `json:"filter_timeframes"`
	Schedule          string    `json:"schedule"`
	DedupeBars        int       `json:"dedupe_bars"`
	Tier              string    `json:"tier"`
	MatchedConditions []string  `json:"matched_conditions"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// BuiltIn reports whether the trader is a system-owned default.
func (t *Trader) BuiltIn() bool {
	return t.UserID == ""
}

// Signal is one persisted match. KlineTimestamp is the open time of the
// bar whose close triggered the match; repeated matches within the dedup
// window collapse onto one row with an incremented Count.
type Signal struct {
	ID                int64     `json:"id"`
	TraderID          string    `json:"trader_id"`
	Symbol            string    `json:"symbol"`
	Timestamp         time.Time `json:"timestamp"`
	KlineTimestamp    int64     `json:"kline_timestamp"`
	PriceAtSignal     float64   `json:"price_at_signal"`
	VolumeAtSignal    float64   `json:"volume_at_signal"`
	MatchedConditions []string  `json:"matched_conditions"`
	Count             int       `json:"count"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ExecutionHistory is the audit row written once per evaluation batch.
type ExecutionHistory struct {
	ID              int64     `json:"id"`
	TraderID        string    `json:"trader_id"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	SymbolsChecked  int       `json:"symbols_checked"`
	SymbolsMatched  int       `json:"symbols_matched"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	Error           *string   `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// User is the minimal projection the engine needs: who they are and what
// tier they pay for.
type User struct {
	ID               string    `json:"id"`
	SubscriptionTier string    `json:"subscription_tier"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
