package models

import (
	"time"

	"market-watch/internal/apperrors"
)

// IdleProgress is reported by stages that are not running.
const IdleProgress = -1.0

// SyncState is the per-platform process state published to observers.
// SyncStage follows fetching and reconciling, DisplayStage follows reading
// and aggregating; the two move independently.
type SyncState struct {
	Platform          Platform        `json:"platform"`
	SyncStage         apperrors.Stage `json:"sync_stage"`
	DisplayStage      apperrors.Stage `json:"display_stage"`
	LastSyncedTime    int64           `json:"last_synced_time"`
	RowsAddedLastSync int             `json:"rows_added_last_sync"`
	Fetching          bool            `json:"fetching"`
	Reconciling       bool            `json:"reconciling"`
	Reading           bool            `json:"reading"`
	Aggregating       bool            `json:"aggregating"`
	ReadProgress      float64         `json:"read_progress"`
	AggregateProgress float64         `json:"aggregate_progress"`
	LastError         string          `json:"last_error,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// NewSyncState returns the idle state for a platform.
func NewSyncState(p Platform) SyncState {
	return SyncState{
		Platform:          p,
		SyncStage:         apperrors.StageIdle,
		DisplayStage:      apperrors.StageIdle,
		ReadProgress:      IdleProgress,
		AggregateProgress: IdleProgress,
	}
}

// Failed reports whether either state machine is in its failed stage.
func (s SyncState) Failed() bool {
	return s.SyncStage == apperrors.StageFailed || s.DisplayStage == apperrors.StageFailed
}

// Idle reports whether both state machines are idle.
func (s SyncState) Idle() bool {
	return s.SyncStage == apperrors.StageIdle && s.DisplayStage == apperrors.StageIdle
}

// Failure is a stage failure routed to observers.
type Failure struct {
	ID          string          `json:"id"`
	Platform    Platform        `json:"platform"`
	Stage       apperrors.Stage `json:"stage"`
	Kind        string          `json:"kind"`
	Message     string          `json:"message"`
	AuthInvalid bool            `json:"auth_invalid"`
	At          time.Time       `json:"at"`
	Err         error           `json:"-"`
}
