package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event type tags carried on every stream frame.
const (
	EventRoundStarted    = "round_started"
	EventMultiplierTick  = "multiplier_tick"
	EventRoundCrashed    = "round_crashed"
	EventWagerPlaced     = "wager_placed"
	EventCashoutAccepted = "cashout_accepted"
)

// Event is a single frame fanned out to every observer: a type tag plus
// a data object. One JSON object per frame.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type RoundStartedData struct {
	RoundID   string    `json:"roundId"`
	Hash      string    `json:"hash"`
	StartTime time.Time `json:"startTime"`
}

type MultiplierTickData struct {
	RoundID    string          `json:"roundId"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Time       time.Time       `json:"time"`
}

type RoundCrashedData struct {
	RoundID    string          `json:"roundId"`
	CrashPoint decimal.Decimal `json:"crashPoint"`
	Seed       string          `json:"seed"`
	Time       time.Time       `json:"time"`
}

type WagerPlacedData struct {
	RoundID    string          `json:"roundId"`
	PlayerID   string          `json:"playerId"`
	StakeUSD   decimal.Decimal `json:"stakeUsd"`
	StakeAsset decimal.Decimal `json:"stakeAsset"`
	Asset      Asset           `json:"asset"`
}

type CashoutAcceptedData struct {
	RoundID    string          `json:"roundId"`
	PlayerID   string          `json:"playerId"`
	Multiplier decimal.Decimal `json:"multiplier"`
	PayoutUSD  decimal.Decimal `json:"payoutUsd"`
	Asset      Asset           `json:"asset"`
}
