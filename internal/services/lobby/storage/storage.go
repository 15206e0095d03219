// Package storage defines persistence contracts for the lobby battle log.
package storage

import (
	"context"
	"time"
)

// Battle event kinds recorded by the matchmaking coordinator.
const (
	BattleEventRequested = "requested"
	BattleEventAccepted  = "accepted"
	BattleEventRejected  = "rejected"
	BattleEventCanceled  = "canceled"
	BattleEventForfeited = "forfeited"
)

// BattleEvent is one append-only record of a matchmaking handshake outcome.
// Names are captured at event time because the live records are gone once
// the connections close.
type BattleEvent struct {
	Kind           string
	ChallengerID   string
	ChallengerName string
	OpponentID     string
	OpponentName   string
	OccurredAt     time.Time
}

// BattleEventStore persists the append-only battle handshake log.
type BattleEventStore interface {
	AppendBattleEvent(ctx context.Context, event BattleEvent) error
	ListBattleEvents(ctx context.Context, limit int) ([]BattleEvent, error)
}
