package ledger

import (
	"context"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/rawblock/crash-engine/pkg/models"
)

// ──────────────────────────────────────────────────────────────────────
// Wager ledger.
//
// The ledger exclusively owns Player and Transaction records and takes
// finalized Rounds from the engine at settlement. All balance movement
// goes through Credit/Debit/Transfer; the transaction log is append-only.
// ──────────────────────────────────────────────────────────────────────

// PlayerIDPattern constrains external player ids: 3-50 chars of
// alphanumerics, underscore and dash.
var PlayerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)

// CashoutRepair is a cashed-out wager with no matching cashout
// transaction in the log — the credit never landed. Surfaced at startup
// so the engine can reconcile.
type CashoutRepair struct {
	RoundID string
	Wager   models.Wager
}

// TransactionFilter narrows History queries. Zero values mean "all".
type TransactionFilter struct {
	Kind models.TransactionKind
}

// Store is the persistence surface of the ledger. PostgresStore is the
// durable implementation; MemoryStore backs tests and DB-less dev runs.
type Store interface {
	// CreatePlayer registers a new player with optional starting
	// balances. Fails with a validation error on id or name collision.
	CreatePlayer(ctx context.Context, id, name string, initial map[models.Asset]decimal.Decimal) (*models.Player, error)

	// GetPlayer returns the player with balances and counters, or a
	// funds error when the id is unknown.
	GetPlayer(ctx context.Context, id string) (*models.Player, error)

	// Credit adds amount (> 0) of asset to the player's balance and
	// returns the new balance. Atomic per (player, asset).
	Credit(ctx context.Context, id string, asset models.Asset, amount decimal.Decimal) (decimal.Decimal, error)

	// Debit removes amount (> 0) of asset, failing with a funds error
	// when the balance is insufficient. Atomic per (player, asset).
	Debit(ctx context.Context, id string, asset models.Asset, amount decimal.Decimal) (decimal.Decimal, error)

	// Transfer moves amount between two players, all-or-nothing.
	Transfer(ctx context.Context, src, dst string, asset models.Asset, amount decimal.Decimal) error

	// BumpCounters adjusts a player's lifetime counters.
	BumpCounters(ctx context.Context, id string, wagers, wins, losses int64) error

	// RecordTransaction appends one audit record. Records are never
	// mutated after write.
	RecordTransaction(ctx context.Context, tx models.Transaction) error

	// Transactions pages the player's log, newest first.
	Transactions(ctx context.Context, playerID string, filter TransactionFilter, page, pageSize int) ([]models.Transaction, int, error)

	// SaveRound upserts a round (live snapshot or final settled form).
	SaveRound(ctx context.Context, round *models.Round) error

	// GetRound returns one round by id, seed included.
	GetRound(ctx context.Context, id string) (*models.Round, error)

	// Rounds pages completed rounds, newest first.
	Rounds(ctx context.Context, page, pageSize int) ([]models.Round, int, error)

	// UnreconciledCashouts lists cashed-out wagers whose credit is
	// missing from the transaction log.
	UnreconciledCashouts(ctx context.Context) ([]CashoutRepair, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	Close()
}

func normalizePage(page, pageSize int) (int, int) {
	if pageSize <= 0 || pageSize > 500 {
		pageSize = 50
	}
	if page < 1 {
		page = 1
	}
	return page, pageSize
}
