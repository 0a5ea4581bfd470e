package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PositionSide represents the direction of a leveraged position
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// MitigationAction is the intervention a protection policy performs on trigger
type MitigationAction string

const (
	ActionClosePosition  MitigationAction = "close_position"
	ActionReducePosition MitigationAction = "reduce_position"
	ActionAddMargin      MitigationAction = "add_margin"
)

// ProtectionPolicy is the per-user margin guard configuration.
// It is created and edited through the settings API; the monitoring core
// treats it as read-only.
type ProtectionPolicy struct {
	ID                 uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	UserID             uuid.UUID        `json:"user_id" gorm:"type:uuid;uniqueIndex:idx_policy_user_instrument" validate:"required,uuid"`
	InstrumentClass    string           `json:"instrument_class" gorm:"uniqueIndex:idx_policy_user_instrument;default:futures" validate:"required"`
	Enabled            bool             `json:"enabled" gorm:"index"`
	MarginThresholdPct decimal.Decimal  `json:"margin_threshold_pct" gorm:"type:numeric" validate:"required"`
	Action             MitigationAction `json:"action" validate:"required,oneof=close_position reduce_position add_margin"`
	ReducePct          *decimal.Decimal `json:"reduce_pct,omitempty" gorm:"type:numeric"`
	AddMarginPct       *decimal.Decimal `json:"add_margin_pct,omitempty" gorm:"type:numeric"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Position is an immutable snapshot of an open leveraged position as
// reported by the exchange. The core never persists positions; it only
// derives a trigger decision from the latest snapshot.
type Position struct {
	ID                string          `json:"id"`
	Symbol            string          `json:"symbol"`
	Side              PositionSide    `json:"side"`
	Quantity          decimal.Decimal `json:"quantity"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	LiquidationPrice  decimal.Decimal `json:"liquidation_price"`
	Margin            decimal.Decimal `json:"margin"`
	MaintenanceMargin decimal.Decimal `json:"maintenance_margin"`
	UnrealizedPnl     decimal.Decimal `json:"unrealized_pnl"`
	OpenedAt          time.Time       `json:"opened_at"`
}

// Credentials is the decrypted exchange API credential triple. It exists
// only transiently in memory during an evaluation and must never be logged
// or cached in cleartext.
type Credentials struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase"`
}

// ExecutionStatus is the outcome of one mitigation attempt
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionError   ExecutionStatus = "error"
)

// TriggerSnapshot captures the market state that fired a mitigation, for
// forensic replay.
type TriggerSnapshot struct {
	CurrentPrice          decimal.Decimal `json:"current_price"`
	EntryPrice            decimal.Decimal `json:"entry_price"`
	LiquidationPrice      decimal.Decimal `json:"liquidation_price"`
	TriggerPrice          decimal.Decimal `json:"trigger_price"`
	DistanceToLiquidation decimal.Decimal `json:"distance_to_liquidation"`
	ActivationDistance    decimal.Decimal `json:"activation_distance"`
	MarginBefore          decimal.Decimal `json:"margin_before"`
}

// ExecutionResult captures what the mitigation actually did.
type ExecutionResult struct {
	MarginAdded   *decimal.Decimal `json:"margin_added,omitempty"`
	AmountReduced *decimal.Decimal `json:"amount_reduced,omitempty"`
	NewMargin     *decimal.Decimal `json:"new_margin,omitempty"`
}

// ExecutionLogEntry is the append-only audit record written once per
// evaluation outcome, never mutated.
type ExecutionLogEntry struct {
	ID              uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid"`
	UserID          uuid.UUID        `json:"user_id" gorm:"type:uuid;index" validate:"required,uuid"`
	PolicyID        uuid.UUID        `json:"policy_id" gorm:"type:uuid" validate:"required,uuid"`
	TradeID         string           `json:"trade_id" gorm:"index"`
	Action          MitigationAction `json:"action"`
	Status          ExecutionStatus  `json:"status" validate:"required,oneof=success error"`
	TriggerSnapshot TriggerSnapshot  `json:"trigger_snapshot" gorm:"serializer:json"`
	ExecutionResult *ExecutionResult `json:"execution_result,omitempty" gorm:"serializer:json"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	DurationMs      int64            `json:"duration_ms"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Notification is the payload handed to the delivery pipeline. Delivery
// itself is a separate worker outside this service.
type Notification struct {
	UserID   uuid.UUID         `json:"user_id"`
	Type     string            `json:"type"`
	Channel  string            `json:"channel"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
