package engine

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/crash-engine/internal/ledger"
	"github.com/rawblock/crash-engine/pkg/models"
)

// Fixed seeds with known crash points for round 1:
// 0x97 repeated → 3.00, 0x02 repeated → 1.16.
const (
	seedCrashThree = 0x97
	seedCrashFast  = 0x02
)

var testPrice = decimal.NewFromInt(50000)

type fixedPrices struct{ usd decimal.Decimal }

func (f fixedPrices) Price(context.Context, models.Asset) (decimal.Decimal, error) {
	return f.usd, nil
}

func fixedSeed(b byte) func() ([]byte, error) {
	return func() ([]byte, error) { return bytes.Repeat([]byte{b}, 32), nil }
}

// startEngine runs an engine with compressed timings against a fresh
// in-memory store holding alice with 1 BTC.
func startEngine(t *testing.T, seedByte byte) (*Engine, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	_, err := store.CreatePlayer(context.Background(), "alice", "Alice", map[models.Asset]decimal.Decimal{
		models.AssetBTC: decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	eng := New(store, fixedPrices{usd: testPrice}, Config{
		RoundPeriod:   400 * time.Millisecond,
		BettingWindow: 250 * time.Millisecond,
		Tick:          20 * time.Millisecond,
	})
	eng.newSeed = fixedSeed(seedByte)

	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)
	t.Cleanup(cancel)
	return eng, store
}

// waitEvent drains the stream until an event of the wanted type shows up.
func waitEvent(t *testing.T, events <-chan models.Event, typ string) models.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func waitLive(t *testing.T, eng *Engine) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if snap, err := eng.Snapshot(); err == nil && snap.IsLive {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("round never went live")
}

func waitSettledRounds(t *testing.T, store ledger.Store, n int) []models.Round {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rounds, total, err := store.Rounds(context.Background(), 1, 10)
		require.NoError(t, err)
		if total >= n {
			return rounds
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never saw %d settled rounds", n)
	return nil
}

func TestHappyCashout(t *testing.T) {
	eng, store := startEngine(t, seedCrashThree)
	ctx := context.Background()

	waitEvent(t, eng.Events(), models.EventRoundStarted)
	wager, err := eng.PlaceWager(ctx, "alice", decimal.NewFromInt(100), models.AssetBTC)
	require.NoError(t, err)
	require.True(t, wager.StakeAsset.Equal(decimal.RequireFromString("0.002")),
		"100 USD at 50000 must stake 0.002, got %s", wager.StakeAsset)

	waitLive(t, eng)
	result, err := eng.CashOut(ctx, "alice")
	require.NoError(t, err)
	require.True(t, result.Multiplier.GreaterThanOrEqual(decimal.NewFromInt(1)))
	require.True(t, result.Multiplier.LessThan(decimal.RequireFromString("3.00")),
		"cash-out multiplier %s must stay below the crash point", result.Multiplier)
	require.True(t, result.PayoutAsset.Equal(wager.StakeAsset.Mul(result.Multiplier)))

	crashed := waitEvent(t, eng.Events(), models.EventRoundCrashed).Data.(models.RoundCrashedData)
	require.True(t, crashed.CrashPoint.Equal(decimal.RequireFromString("3.00")))
	require.Equal(t, strings.Repeat("97", 32), crashed.Seed)

	expected := decimal.NewFromInt(1).Sub(wager.StakeAsset).Add(result.PayoutAsset)
	alice, err := store.GetPlayer(ctx, "alice")
	require.NoError(t, err)
	require.True(t, alice.Balances[models.AssetBTC].Equal(expected),
		"balance %s, want %s", alice.Balances[models.AssetBTC], expected)
	require.EqualValues(t, 1, alice.Wins)

	log, total, err := store.Transactions(ctx, "alice", ledger.TransactionFilter{}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	kinds := []models.TransactionKind{log[0].Kind, log[1].Kind}
	require.Contains(t, kinds, models.TxWager)
	require.Contains(t, kinds, models.TxCashout)
}

func TestLossOnCrash(t *testing.T) {
	eng, store := startEngine(t, seedCrashFast)
	ctx := context.Background()

	waitEvent(t, eng.Events(), models.EventRoundStarted)
	wager, err := eng.PlaceWager(ctx, "alice", decimal.NewFromInt(100), models.AssetBTC)
	require.NoError(t, err)

	waitEvent(t, eng.Events(), models.EventRoundCrashed)
	rounds := waitSettledRounds(t, store, 1)
	require.Len(t, rounds[0].Wagers, 1)
	require.False(t, rounds[0].Wagers[0].CashedOut)

	alice, err := store.GetPlayer(ctx, "alice")
	require.NoError(t, err)
	require.True(t, alice.Balances[models.AssetBTC].Equal(decimal.NewFromInt(1).Sub(wager.StakeAsset)),
		"stake is consumed at placement, no refund on loss")
	require.EqualValues(t, 1, alice.Losses)
	require.EqualValues(t, 0, alice.Wins)

	_, total, err := store.Transactions(ctx, "alice", ledger.TransactionFilter{Kind: models.TxCashout}, 1, 10)
	require.NoError(t, err)
	require.Zero(t, total, "a loss must not produce a cashout transaction")
}

func TestInsufficientBalanceLeavesRoundUntouched(t *testing.T) {
	eng, store := startEngine(t, seedCrashFast)
	ctx := context.Background()
	_, err := store.CreatePlayer(ctx, "bob", "Bob", nil)
	require.NoError(t, err)

	waitEvent(t, eng.Events(), models.EventRoundStarted)
	_, err = eng.PlaceWager(ctx, "bob", decimal.NewFromInt(10), models.AssetBTC)
	require.Equal(t, models.ErrFunds, models.CodeOf(err))

	// Nothing may leak: no wager, no transaction, no wager_placed frame.
	deadline := time.After(10 * time.Second)
	for {
		var ev models.Event
		select {
		case ev = <-eng.Events():
		case <-deadline:
			t.Fatal("timed out waiting for round_crashed")
		}
		require.NotEqual(t, models.EventWagerPlaced, ev.Type)
		if ev.Type == models.EventRoundCrashed {
			break
		}
	}
	snap, err := eng.Snapshot()
	require.NoError(t, err)
	require.Zero(t, snap.WagerCount)
	_, total, err := store.Transactions(ctx, "bob", ledger.TransactionFilter{}, 1, 10)
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestLateCashoutRejected(t *testing.T) {
	eng, store := startEngine(t, seedCrashFast)
	ctx := context.Background()

	waitEvent(t, eng.Events(), models.EventRoundStarted)
	wager, err := eng.PlaceWager(ctx, "alice", decimal.NewFromInt(100), models.AssetBTC)
	require.NoError(t, err)

	waitEvent(t, eng.Events(), models.EventRoundCrashed)
	_, err = eng.CashOut(ctx, "alice")
	require.Equal(t, models.ErrState, models.CodeOf(err))

	rounds := waitSettledRounds(t, store, 1)
	require.False(t, rounds[0].Wagers[0].CashedOut)
	alice, err := store.GetPlayer(ctx, "alice")
	require.NoError(t, err)
	require.True(t, alice.Balances[models.AssetBTC].Equal(decimal.NewFromInt(1).Sub(wager.StakeAsset)),
		"late cash-out must not credit")
}

func TestSecondWagerSameRoundRejected(t *testing.T) {
	eng, _ := startEngine(t, seedCrashThree)
	ctx := context.Background()

	waitEvent(t, eng.Events(), models.EventRoundStarted)
	_, err := eng.PlaceWager(ctx, "alice", decimal.NewFromInt(10), models.AssetBTC)
	require.NoError(t, err)
	_, err = eng.PlaceWager(ctx, "alice", decimal.NewFromInt(10), models.AssetBTC)
	require.Equal(t, models.ErrState, models.CodeOf(err))
}

func TestStakeBoundsValidation(t *testing.T) {
	eng := New(ledger.NewMemoryStore(), fixedPrices{usd: testPrice}, Config{})

	for _, stake := range []string{"0", "-5", "0.001", "10000.01"} {
		_, err := eng.PlaceWager(context.Background(), "alice", decimal.RequireFromString(stake), models.AssetBTC)
		require.Equal(t, models.ErrValidation, models.CodeOf(err), "stake %s", stake)
	}
	_, err := eng.PlaceWager(context.Background(), "alice", decimal.NewFromInt(10), models.Asset("DOGE"))
	require.Equal(t, models.ErrValidation, models.CodeOf(err))
}

// Within one round every observer sees round_started, then
// non-decreasing ticks strictly below the crash point, then
// round_crashed.
func TestEventOrdering(t *testing.T) {
	eng, _ := startEngine(t, seedCrashThree)

	started := waitEvent(t, eng.Events(), models.EventRoundStarted).Data.(models.RoundStartedData)

	last := decimal.Zero
	ticks := 0
	deadline := time.After(10 * time.Second)
	for {
		var ev models.Event
		select {
		case ev = <-eng.Events():
		case <-deadline:
			t.Fatal("timed out waiting for round_crashed")
		}
		switch ev.Type {
		case models.EventMultiplierTick:
			tick := ev.Data.(models.MultiplierTickData)
			require.Equal(t, started.RoundID, tick.RoundID)
			require.True(t, tick.Multiplier.GreaterThanOrEqual(last),
				"ticks must be non-decreasing: %s after %s", tick.Multiplier, last)
			require.True(t, tick.Multiplier.LessThan(decimal.RequireFromString("3.00")))
			last = tick.Multiplier
			ticks++
		case models.EventRoundCrashed:
			require.Positive(t, ticks, "at least one tick before the crash")
			require.Equal(t, started.RoundID, ev.Data.(models.RoundCrashedData).RoundID)
			return
		case models.EventRoundStarted:
			t.Fatal("next round started before round_crashed")
		}
	}
}

func TestVerifyStoredRound(t *testing.T) {
	eng, store := startEngine(t, seedCrashFast)
	ctx := context.Background()

	waitEvent(t, eng.Events(), models.EventRoundCrashed)
	rounds := waitSettledRounds(t, store, 1)
	round := rounds[0]

	result, err := eng.Verify(ctx, round.ID, round.Seed, round.CrashPoint)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, round.Hash, result.RecomputedHash)

	// One flipped seed byte must break both hash and crash point.
	flipped := "03" + round.Seed[2:]
	result, err = eng.Verify(ctx, round.ID, flipped, round.CrashPoint)
	require.NoError(t, err)
	require.False(t, result.Valid)

	result, err = eng.Verify(ctx, round.ID, round.Seed, round.CrashPoint.Add(decimal.NewFromInt(1)))
	require.NoError(t, err)
	require.False(t, result.Valid)

	_, err = eng.Verify(ctx, "no-such-round", round.Seed, round.CrashPoint)
	require.Equal(t, models.ErrValidation, models.CodeOf(err))
}

// ctxStrictStore fails any write made with an already-cancelled context,
// the way a real database driver does. MemoryStore ignores contexts, so
// shutdown-path writes need this to be observable.
type ctxStrictStore struct{ ledger.Store }

func (s ctxStrictStore) Credit(ctx context.Context, id string, asset models.Asset, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	return s.Store.Credit(ctx, id, asset, amount)
}

func (s ctxStrictStore) BumpCounters(ctx context.Context, id string, wagers, wins, losses int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.BumpCounters(ctx, id, wagers, wins, losses)
}

func (s ctxStrictStore) SaveRound(ctx context.Context, round *models.Round) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.SaveRound(ctx, round)
}

// Cancelling the run context mid-round must abort cleanly: crash at the
// current multiplier with the seed revealed, losers settled and the
// round persisted, even though the run context is already dead.
func TestShutdownAbortsLiveRound(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()
	_, err := store.CreatePlayer(ctx, "alice", "Alice", map[models.Asset]decimal.Decimal{
		models.AssetBTC: decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	eng := New(ctxStrictStore{Store: store}, fixedPrices{usd: testPrice}, Config{
		RoundPeriod:   400 * time.Millisecond,
		BettingWindow: 250 * time.Millisecond,
		Tick:          20 * time.Millisecond,
	})
	eng.newSeed = fixedSeed(seedCrashThree)

	runCtx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		eng.Run(runCtx)
		close(stopped)
	}()

	waitEvent(t, eng.Events(), models.EventRoundStarted)
	_, err = eng.PlaceWager(ctx, "alice", decimal.NewFromInt(100), models.AssetBTC)
	require.NoError(t, err)
	waitLive(t, eng)
	cancel()

	crashed := waitEvent(t, eng.Events(), models.EventRoundCrashed).Data.(models.RoundCrashedData)
	require.Equal(t, strings.Repeat("97", 32), crashed.Seed, "abort must reveal the seed")
	require.True(t, crashed.CrashPoint.LessThan(decimal.RequireFromString("3.00")),
		"abort crashes at the current multiplier, not the committed point")

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("engine never stopped after cancellation")
	}

	rounds, total, err := store.Rounds(ctx, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total, "aborted round must be persisted")
	require.Equal(t, models.RoundSettled, rounds[0].State)
	require.True(t, rounds[0].CrashPoint.Equal(decimal.RequireFromString("3.00")),
		"stored round keeps the committed crash point so the reveal verifies")
	require.False(t, eng.Halted(), "a clean abort is not a store failure")

	alice, err := store.GetPlayer(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 1, alice.Losses, "open wagers settle as losses on abort")
}

// Round boundary frames wait for buffer space instead of dropping, so an
// attached observer can miss ticks but never a crash.
func TestLifecycleEventsSurviveFullBuffer(t *testing.T) {
	eng := &Engine{events: make(chan models.Event, 1)}
	eng.emit(models.EventMultiplierTick, nil)
	eng.emit(models.EventMultiplierTick, nil) // buffer full, tick dropped

	delivered := make(chan struct{})
	go func() {
		eng.emitLifecycle(models.EventRoundCrashed, nil)
		close(delivered)
	}()
	select {
	case <-delivered:
		t.Fatal("lifecycle frame must wait for buffer space, not drop")
	case <-time.After(50 * time.Millisecond):
	}

	require.Equal(t, models.EventMultiplierTick, (<-eng.events).Type)
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("lifecycle frame never delivered")
	}
	require.Equal(t, models.EventRoundCrashed, (<-eng.events).Type)
}

func TestReconcileCashouts(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()
	_, err := store.CreatePlayer(ctx, "alice", "Alice", nil)
	require.NoError(t, err)

	mult := decimal.RequireFromString("2.50")
	payout := decimal.RequireFromString("0.005")
	require.NoError(t, store.SaveRound(ctx, &models.Round{
		ID: "round-orphan", Number: 9, State: models.RoundSettled,
		CrashPoint: decimal.RequireFromString("4.00"), PeakMultiplier: decimal.RequireFromString("4.00"),
		Wagers: []models.Wager{{
			ID: "w1", PlayerID: "alice",
			StakeUSD: decimal.NewFromInt(100), StakeAsset: decimal.RequireFromString("0.002"),
			Asset: models.AssetBTC, PriceAtPlacement: testPrice,
			CashedOut: true, CashoutMultiplier: &mult, CashoutAssetAmount: &payout,
		}},
	}))

	eng := New(store, fixedPrices{usd: testPrice}, Config{})
	require.NoError(t, eng.ReconcileCashouts(ctx))

	alice, err := store.GetPlayer(ctx, "alice")
	require.NoError(t, err)
	require.True(t, alice.Balances[models.AssetBTC].Equal(payout))
	_, total, err := store.Transactions(ctx, "alice", ledger.TransactionFilter{Kind: models.TxCashout}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)

	// Idempotent: a second pass finds nothing to repair.
	require.NoError(t, eng.ReconcileCashouts(ctx))
	alice, err = store.GetPlayer(ctx, "alice")
	require.NoError(t, err)
	require.True(t, alice.Balances[models.AssetBTC].Equal(payout))
}
