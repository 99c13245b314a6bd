package domain

import "time"

// WarmingCheckpoint caps daily volume from Day onward until the next checkpoint.
type WarmingCheckpoint struct {
	Day      int
	DailyCap int
	Note     string
}

// WarmingState is the persisted warming progress of one provider.
type WarmingState struct {
	ProviderID  string
	StartedAt   time.Time
	Paused      bool
	PauseReason string
	UpdatedAt   time.Time
}
