package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Asset identifies a supported digital-asset denomination. Stakes are
// quoted in USD and settled in one of these.
type Asset string

const (
	AssetBTC Asset = "BTC"
	AssetETH Asset = "ETH"
)

// SupportedAssets lists every asset the engine settles in. Adding an
// asset means adding it here, in the fallback table and in the upstream
// id mapping — no structural change anywhere else.
var SupportedAssets = []Asset{AssetBTC, AssetETH}

// IsSupported reports whether the asset tag is one the engine knows.
func (a Asset) IsSupported() bool {
	for _, s := range SupportedAssets {
		if a == s {
			return true
		}
	}
	return false
}

// RoundState is the lifecycle state of a round.
type RoundState string

const (
	RoundBetting RoundState = "betting"
	RoundLive    RoundState = "live"
	RoundCrashed RoundState = "crashed"
	RoundSettled RoundState = "settled"
)

// Player is a registered participant. Balances are mutated only through
// ledger operations; players are never deleted, only deactivated.
type Player struct {
	ID           string                    `json:"id"`
	Name         string                    `json:"name"`
	Balances     map[Asset]decimal.Decimal `json:"balances"`
	WagersPlaced int64                     `json:"wagersPlaced"`
	Wins         int64                     `json:"wins"`
	Losses       int64                     `json:"losses"`
	Active       bool                      `json:"active"`
	CreatedAt    time.Time                 `json:"createdAt"`
}

// Wager is a single stake inside a round. Either CashedOut is false, or
// CashedOut is true and CashoutMultiplier/CashoutAssetAmount are set with
// CashoutMultiplier in [1.00, crash point).
type Wager struct {
	ID                 string           `json:"id"`
	PlayerID           string           `json:"playerId"`
	StakeUSD           decimal.Decimal  `json:"stakeUsd"`
	StakeAsset         decimal.Decimal  `json:"stakeAsset"`
	Asset              Asset            `json:"asset"`
	PriceAtPlacement   decimal.Decimal  `json:"priceAtPlacement"`
	CashedOut          bool             `json:"cashedOut"`
	CashoutMultiplier  *decimal.Decimal `json:"cashoutMultiplier,omitempty"`
	CashoutAssetAmount *decimal.Decimal `json:"cashoutAssetAmount,omitempty"`
	PlacedAt           time.Time        `json:"placedAt"`
}

// Round is one full cycle from betting to settled. Seed stays secret
// until the crash; Hash is published when betting opens and must equal
// the hash of (Seed, Number) revealed at crash.
type Round struct {
	ID             string          `json:"id"`
	Number         uint64          `json:"number"`
	Seed           string          `json:"seed,omitempty"` // hex, revealed at crash
	Hash           string          `json:"hash"`           // hex, published at round start
	CrashPoint     decimal.Decimal `json:"crashPoint"`
	StartTime      time.Time       `json:"startTime"`
	EndTime        time.Time       `json:"endTime,omitempty"`
	State          RoundState      `json:"state"`
	Wagers         []Wager         `json:"wagers"`
	PeakMultiplier decimal.Decimal `json:"peakMultiplier"`
}

// TransactionKind tags entries of the append-only audit log.
type TransactionKind string

const (
	TxWager      TransactionKind = "wager"
	TxCashout    TransactionKind = "cashout"
	TxDeposit    TransactionKind = "deposit"
	TxWithdrawal TransactionKind = "withdrawal"
)

// Transaction is one append-only audit record. Never mutated after write.
// RoundID carries a synthetic id for non-round movements (deposits,
// withdrawals, transfers).
type Transaction struct {
	ID          string           `json:"id"`
	PlayerID    string           `json:"playerId"`
	RoundID     string           `json:"roundId"`
	Kind        TransactionKind  `json:"kind"`
	AmountUSD   decimal.Decimal  `json:"amountUsd"`
	AmountAsset decimal.Decimal  `json:"amountAsset"`
	Asset       Asset            `json:"asset"`
	Price       decimal.Decimal  `json:"price"`
	Multiplier  *decimal.Decimal `json:"multiplier,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// Snapshot is the point-in-time view of the current round handed to
// observers and the facade.
type Snapshot struct {
	RoundID    string          `json:"roundId"`
	State      RoundState      `json:"state"`
	Multiplier decimal.Decimal `json:"multiplier"`
	IsLive     bool            `json:"isLive"`
	StartTime  time.Time       `json:"startTime"`
	WagerCount int             `json:"wagerCount"`
	Hash       string          `json:"hash"`
}
