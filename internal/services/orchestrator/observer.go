package orchestrator

import (
	"market-watch/internal/apperrors"
	"market-watch/internal/models"
)

// Observer receives state pushes from the orchestrator. Calls for one
// platform arrive in order; implementations must not block for long.
type Observer interface {
	OnState(state models.SyncState)
	OnProgress(platform models.Platform, stage apperrors.Stage, fraction float64)
	OnSeries(series models.Series)
	OnFailure(failure models.Failure)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	State    func(models.SyncState)
	Progress func(models.Platform, apperrors.Stage, float64)
	Series   func(models.Series)
	Failure  func(models.Failure)
}

func (f ObserverFuncs) OnState(state models.SyncState) {
	if f.State != nil {
		f.State(state)
	}
}

func (f ObserverFuncs) OnProgress(platform models.Platform, stage apperrors.Stage, fraction float64) {
	if f.Progress != nil {
		f.Progress(platform, stage, fraction)
	}
}

func (f ObserverFuncs) OnSeries(series models.Series) {
	if f.Series != nil {
		f.Series(series)
	}
}

func (f ObserverFuncs) OnFailure(failure models.Failure) {
	if f.Failure != nil {
		f.Failure(failure)
	}
}
