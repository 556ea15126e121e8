package engine

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rawblock/crash-engine/internal/fairness"
	"github.com/rawblock/crash-engine/pkg/models"
)

// VerifyResult reports a provably-fair check of a completed round: the
// hash and crash point recomputed from the revealed seed next to the
// values the round committed to.
type VerifyResult struct {
	Valid                bool            `json:"valid"`
	RoundNumber          uint64          `json:"roundNumber"`
	StoredHash           string          `json:"storedHash"`
	RecomputedHash       string          `json:"recomputedHash"`
	StoredCrashPoint     decimal.Decimal `json:"storedCrashPoint"`
	RecomputedCrashPoint decimal.Decimal `json:"recomputedCrashPoint"`
}

// Verify checks a revealed seed and claimed crash point against the
// stored round: the seed must reproduce the committed hash, and both the
// claimed and stored crash points must match the recomputation within
// tolerance.
func (e *Engine) Verify(ctx context.Context, roundID, seedHex string, claimed decimal.Decimal) (*VerifyResult, error) {
	round, err := e.store.GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	seed, err := fairness.DecodeSeed(seedHex)
	if err != nil {
		return nil, models.Validationf("%v", err)
	}

	result := &VerifyResult{
		RoundNumber:          round.Number,
		StoredHash:           round.Hash,
		RecomputedHash:       fairness.HashHex(seed, round.Number),
		StoredCrashPoint:     round.CrashPoint,
		RecomputedCrashPoint: fairness.CrashPoint(seed, round.Number, e.cfg.MaxCrash),
	}
	result.Valid = result.RecomputedHash == round.Hash &&
		fairness.Verify(seed, round.Number, claimed, e.cfg.MaxCrash) &&
		fairness.Verify(seed, round.Number, round.CrashPoint, e.cfg.MaxCrash)
	return result, nil
}

// ReconcileCashouts repairs wagers that were marked cashed_out but
// whose credit never reached the ledger (a crash between the mark and
// the credit). Called once at startup, before Run.
func (e *Engine) ReconcileCashouts(ctx context.Context) error {
	repairs, err := e.store.UnreconciledCashouts(ctx)
	if err != nil {
		return err
	}
	for _, repair := range repairs {
		wager := repair.Wager
		if wager.CashoutAssetAmount == nil || wager.CashoutMultiplier == nil {
			log.Printf("[Engine] skipping malformed cashed-out wager %s in round %s", wager.ID, repair.RoundID)
			continue
		}
		if _, err := e.store.Credit(ctx, wager.PlayerID, wager.Asset, *wager.CashoutAssetAmount); err != nil {
			return err
		}
		if err := e.store.RecordTransaction(ctx, models.Transaction{
			ID:          uuid.NewString(),
			PlayerID:    wager.PlayerID,
			RoundID:     repair.RoundID,
			Kind:        models.TxCashout,
			AmountUSD:   wager.StakeUSD.Mul(*wager.CashoutMultiplier),
			AmountAsset: *wager.CashoutAssetAmount,
			Asset:       wager.Asset,
			Price:       wager.PriceAtPlacement,
			Multiplier:  wager.CashoutMultiplier,
			CreatedAt:   time.Now().UTC(),
		}); err != nil {
			return err
		}
		log.Printf("[Engine] reconciled cash-out of %s %s for %s in round %s",
			wager.CashoutAssetAmount, wager.Asset, wager.PlayerID, repair.RoundID)
	}
	if len(repairs) > 0 {
		log.Printf("[Engine] reconciled %d orphaned cash-outs", len(repairs))
	}
	return nil
}
