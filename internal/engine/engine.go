package engine

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rawblock/crash-engine/internal/fairness"
	"github.com/rawblock/crash-engine/internal/ledger"
	"github.com/rawblock/crash-engine/pkg/models"
)

// ──────────────────────────────────────────────────────────────────────
// Round engine.
//
// One goroutine owns the round lifecycle: betting window → live tick
// loop → crash → settlement → idle until the next round. Wager and
// cash-out requests arrive on channels and are processed inside that
// goroutine, so the multiplier a cash-out settles at is by construction
// the one current while the round was still live. Events go out on a
// single buffered channel; the hub consumes it and fans out.
// ──────────────────────────────────────────────────────────────────────

const (
	eventBuffer   = 1024
	requestBuffer = 256
)

// assetScale is the fractional precision of asset amounts, matching the
// NUMERIC(30,12) ledger columns.
const assetScale = 12

// settleTimeout bounds the store writes that close out a round. They run
// on their own context: the run context may already be cancelled when a
// shutdown abort settles the round.
const settleTimeout = 5 * time.Second

// Config holds the round timing and stake bounds. Zero fields take the
// defaults below.
type Config struct {
	RoundPeriod   time.Duration // time between round starts
	BettingWindow time.Duration
	Tick          time.Duration
	MaxCrash      decimal.Decimal
	MinStakeUSD   decimal.Decimal
	MaxStakeUSD   decimal.Decimal
}

func (c Config) withDefaults() Config {
	if c.RoundPeriod <= 0 {
		c.RoundPeriod = 10 * time.Second
	}
	if c.BettingWindow <= 0 {
		c.BettingWindow = 3 * time.Second
	}
	if c.Tick <= 0 {
		c.Tick = 100 * time.Millisecond
	}
	if c.MaxCrash.Sign() <= 0 {
		c.MaxCrash = decimal.RequireFromString("120.00")
	}
	if c.MinStakeUSD.Sign() <= 0 {
		c.MinStakeUSD = decimal.RequireFromString("0.01")
	}
	if c.MaxStakeUSD.Sign() <= 0 {
		c.MaxStakeUSD = decimal.NewFromInt(10000)
	}
	return c
}

// PriceSource is the engine's view of the price cache.
type PriceSource interface {
	Price(ctx context.Context, asset models.Asset) (decimal.Decimal, error)
}

// CashoutResult is what a successful cash-out settles at.
type CashoutResult struct {
	RoundID     string          `json:"roundId"`
	Multiplier  decimal.Decimal `json:"multiplier"`
	PayoutUSD   decimal.Decimal `json:"payoutUsd"`
	PayoutAsset decimal.Decimal `json:"payoutAsset"`
	Asset       models.Asset    `json:"asset"`
}

type wagerRequest struct {
	playerID string
	stakeUSD decimal.Decimal
	asset    models.Asset
	resp     chan wagerResponse
}

type wagerResponse struct {
	wager *models.Wager
	err   error
}

type cashoutRequest struct {
	playerID string
	resp     chan cashoutResponse
}

type cashoutResponse struct {
	result *CashoutResult
	err    error
}

// Engine drives rounds and owns the current-round value. Everything
// behind mu is written only by the Run goroutine; readers take snapshots.
type Engine struct {
	cfg    Config
	store  ledger.Store
	prices PriceSource

	mu         sync.RWMutex
	round      *models.Round
	multiplier decimal.Decimal
	seed       []byte
	open       map[string]int // playerID → index of open wager in round.Wagers
	halted     bool

	wagerCh   chan wagerRequest
	cashoutCh chan cashoutRequest
	events    chan models.Event
	done      chan struct{}

	newSeed func() ([]byte, error) // test hook
}

func New(store ledger.Store, prices PriceSource, cfg Config) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		store:     store,
		prices:    prices,
		wagerCh:   make(chan wagerRequest, requestBuffer),
		cashoutCh: make(chan cashoutRequest, requestBuffer),
		events:    make(chan models.Event, eventBuffer),
		done:      make(chan struct{}),
		newSeed:   fairness.NewSeed,
	}
}

// Events is the engine's outbound stream. Closed when Run returns.
func (e *Engine) Events() <-chan models.Event { return e.events }

// Halted reports whether the engine stopped over an unreachable store.
func (e *Engine) Halted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.halted
}

// Run drives rounds until ctx is cancelled or the store becomes
// unreachable. On cancellation a live round is aborted: it crashes at
// the current multiplier, the seed is revealed and losers are settled.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)
	defer close(e.events)

	number, err := e.nextRoundNumber(ctx)
	if err != nil {
		log.Printf("[Engine] cannot determine next round number: %v", err)
		e.halt()
		return
	}
	log.Printf("[Engine] starting at round %d (period %s, betting %s, tick %s)",
		number, e.cfg.RoundPeriod, e.cfg.BettingWindow, e.cfg.Tick)

	for {
		select {
		case <-ctx.Done():
			log.Println("[Engine] stopped")
			return
		default:
		}
		if e.Halted() {
			log.Println("[Engine] halted, no further rounds")
			return
		}
		e.runRound(ctx, number)
		number++
	}
}

func (e *Engine) runRound(ctx context.Context, number uint64) {
	seed, err := e.newSeed()
	if err != nil {
		log.Printf("[Engine] %v", err)
		e.halt()
		return
	}
	crash := fairness.CrashPoint(seed, number, e.cfg.MaxCrash)
	start := time.Now().UTC()

	round := &models.Round{
		ID:             uuid.NewString(),
		Number:         number,
		Hash:           fairness.HashHex(seed, number),
		CrashPoint:     crash,
		StartTime:      start,
		State:          models.RoundBetting,
		Wagers:         []models.Wager{},
		PeakMultiplier: decimal.NewFromInt(1),
	}

	e.mu.Lock()
	e.round = round
	e.multiplier = decimal.NewFromInt(1)
	e.seed = seed
	e.open = make(map[string]int)
	e.mu.Unlock()

	log.Printf("[Engine] round %d betting open, hash %s...", number, round.Hash[:16])
	e.emitLifecycle(models.EventRoundStarted, models.RoundStartedData{
		RoundID:   round.ID,
		Hash:      round.Hash,
		StartTime: start,
	})

	// Betting window: take wagers, reject cash-outs.
	bettingTimer := time.NewTimer(e.cfg.BettingWindow)
	for open := true; open; {
		select {
		case <-bettingTimer.C:
			open = false
		case req := <-e.wagerCh:
			e.processWager(ctx, req)
		case req := <-e.cashoutCh:
			e.processCashout(req)
		case <-ctx.Done():
			bettingTimer.Stop()
			e.abort()
			return
		}
	}

	e.mu.Lock()
	e.round.State = models.RoundLive
	e.mu.Unlock()

	// Growth is calibrated so the live phase lasts 2·ln(crash) seconds
	// whatever the crash point: multiplier = 1 + elapsed·growth with
	// growth = (crash−1)/(2·ln(crash)).
	crashF, _ := crash.Float64()
	var growth float64
	if targetTime := 2 * math.Log(crashF); targetTime > 0 {
		growth = (crashF - 1) / targetTime
	}

	liveStart := time.Now()
	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			elapsed := now.Sub(liveStart).Seconds()
			mult := decimal.NewFromFloat(1 + elapsed*growth).Round(2)
			if growth == 0 || mult.GreaterThanOrEqual(crash) {
				e.finishRound(crash)
				e.idle(ctx, start)
				return
			}
			e.mu.Lock()
			e.multiplier = mult
			e.round.PeakMultiplier = mult
			e.mu.Unlock()
			e.emit(models.EventMultiplierTick, models.MultiplierTickData{
				RoundID:    round.ID,
				Multiplier: mult,
				Time:       now.UTC(),
			})
		case req := <-e.wagerCh:
			e.processWager(ctx, req)
		case req := <-e.cashoutCh:
			e.processCashout(req)
		case <-ctx.Done():
			e.abort()
			return
		}
	}
}

// finishRound crashes the round at the given multiplier, reveals the
// seed, settles losers and persists the final record. Settlement writes
// use a fresh context so a cancelled run context cannot lose the round.
func (e *Engine) finishRound(at decimal.Decimal) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	now := time.Now().UTC()

	e.mu.Lock()
	round := e.round
	round.State = models.RoundCrashed
	round.Seed = fairness.EncodeSeed(e.seed)
	round.EndTime = now
	e.multiplier = at
	if at.GreaterThan(round.PeakMultiplier) {
		round.PeakMultiplier = at
	}
	e.mu.Unlock()

	log.Printf("[Engine] round %d crashed at %sx with %d wagers", round.Number, at, len(round.Wagers))
	e.emitLifecycle(models.EventRoundCrashed, models.RoundCrashedData{
		RoundID:    round.ID,
		CrashPoint: at,
		Seed:       round.Seed,
		Time:       now,
	})

	for _, wager := range round.Wagers {
		if wager.CashedOut {
			continue
		}
		if err := e.store.BumpCounters(ctx, wager.PlayerID, 0, 0, 1); err != nil {
			log.Printf("[Engine] loss counter for %s: %v", wager.PlayerID, err)
		}
	}

	e.mu.Lock()
	round.State = models.RoundSettled
	e.mu.Unlock()

	if err := e.store.SaveRound(ctx, round); err != nil {
		log.Printf("[Engine] persisting round %d failed: %v", round.Number, err)
		e.halt()
	}
}

// abort ends a round early on shutdown: crash at the current multiplier
// with the seed revealed. The committed crash point stays on the stored
// round so the reveal still verifies.
func (e *Engine) abort() {
	e.mu.RLock()
	state := e.round.State
	at := e.multiplier
	number := e.round.Number
	e.mu.RUnlock()

	if state != models.RoundBetting && state != models.RoundLive {
		return
	}
	log.Printf("[Engine] aborting round %d at %sx", number, at)
	e.finishRound(at)
}

// idle waits out the remainder of the round period, still answering
// (and rejecting) requests that arrive between rounds.
func (e *Engine) idle(ctx context.Context, roundStart time.Time) {
	remaining := e.cfg.RoundPeriod - time.Since(roundStart)
	if remaining <= 0 {
		return
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return
		case req := <-e.wagerCh:
			e.processWager(ctx, req)
		case req := <-e.cashoutCh:
			e.processCashout(req)
		case <-ctx.Done():
			return
		}
	}
}

// PlaceWager stakes a USD amount on the current round, converted into
// the chosen asset at the cached market price and debited immediately.
// Only accepted while the round is in its betting window.
func (e *Engine) PlaceWager(ctx context.Context, playerID string, stakeUSD decimal.Decimal, asset models.Asset) (*models.Wager, error) {
	if !asset.IsSupported() {
		return nil, models.Validationf("unsupported asset %q", asset)
	}
	if stakeUSD.LessThan(e.cfg.MinStakeUSD) || stakeUSD.GreaterThan(e.cfg.MaxStakeUSD) {
		return nil, models.Validationf("stake must be between %s and %s USD", e.cfg.MinStakeUSD, e.cfg.MaxStakeUSD)
	}

	req := wagerRequest{playerID: playerID, stakeUSD: stakeUSD, asset: asset, resp: make(chan wagerResponse, 1)}
	select {
	case e.wagerCh <- req:
	case <-e.done:
		return nil, models.Internalf("engine is not running")
	case <-ctx.Done():
		return nil, models.Internalf("wager cancelled: %v", ctx.Err())
	}
	select {
	case resp := <-req.resp:
		return resp.wager, resp.err
	case <-e.done:
		return nil, models.Internalf("engine is not running")
	case <-ctx.Done():
		return nil, models.Internalf("wager cancelled: %v", ctx.Err())
	}
}

// CashOut settles the caller's open wager at the multiplier current
// while the round is live.
func (e *Engine) CashOut(ctx context.Context, playerID string) (*CashoutResult, error) {
	req := cashoutRequest{playerID: playerID, resp: make(chan cashoutResponse, 1)}
	select {
	case e.cashoutCh <- req:
	case <-e.done:
		return nil, models.Internalf("engine is not running")
	case <-ctx.Done():
		return nil, models.Internalf("cash-out cancelled: %v", ctx.Err())
	}
	select {
	case resp := <-req.resp:
		return resp.result, resp.err
	case <-e.done:
		return nil, models.Internalf("engine is not running")
	case <-ctx.Done():
		return nil, models.Internalf("cash-out cancelled: %v", ctx.Err())
	}
}

// processWager runs inside the Run goroutine.
func (e *Engine) processWager(ctx context.Context, req wagerRequest) {
	var resp wagerResponse
	defer func() { req.resp <- resp }()

	e.mu.RLock()
	round := e.round
	state := round.State
	_, hasOpen := e.open[req.playerID]
	e.mu.RUnlock()

	if e.Halted() {
		resp.err = models.Internalf("engine unavailable")
		return
	}
	if state != models.RoundBetting {
		resp.err = models.Statef("betting is closed for round %d", round.Number)
		return
	}
	if hasOpen {
		resp.err = models.Statef("player already has a wager in round %d", round.Number)
		return
	}

	price, err := e.prices.Price(ctx, req.asset)
	if err != nil {
		resp.err = err
		return
	}
	stakeAsset := req.stakeUSD.DivRound(price, assetScale)
	if stakeAsset.Sign() <= 0 {
		resp.err = models.Validationf("stake too small to convert at price %s", price)
		return
	}

	// Debit first; a funds failure leaves the round untouched and emits
	// nothing.
	if _, err := e.store.Debit(ctx, req.playerID, req.asset, stakeAsset); err != nil {
		resp.err = err
		return
	}

	wager := models.Wager{
		ID:               uuid.NewString(),
		PlayerID:         req.playerID,
		StakeUSD:         req.stakeUSD,
		StakeAsset:       stakeAsset,
		Asset:            req.asset,
		PriceAtPlacement: price,
		PlacedAt:         time.Now().UTC(),
	}

	e.mu.Lock()
	e.open[req.playerID] = len(round.Wagers)
	round.Wagers = append(round.Wagers, wager)
	e.mu.Unlock()

	if err := e.store.RecordTransaction(ctx, models.Transaction{
		ID:          uuid.NewString(),
		PlayerID:    req.playerID,
		RoundID:     round.ID,
		Kind:        models.TxWager,
		AmountUSD:   req.stakeUSD,
		AmountAsset: stakeAsset,
		Asset:       req.asset,
		Price:       price,
		CreatedAt:   wager.PlacedAt,
	}); err != nil {
		log.Printf("[Engine] wager transaction for %s: %v", req.playerID, err)
	}
	if err := e.store.BumpCounters(ctx, req.playerID, 1, 0, 0); err != nil {
		log.Printf("[Engine] wager counter for %s: %v", req.playerID, err)
	}

	e.emit(models.EventWagerPlaced, models.WagerPlacedData{
		RoundID:    round.ID,
		PlayerID:   req.playerID,
		StakeUSD:   req.stakeUSD,
		StakeAsset: stakeAsset,
		Asset:      req.asset,
	})
	resp.wager = &wager
}

// processCashout runs inside the Run goroutine, so the multiplier it
// reads is exactly the one current while the round state was checked.
func (e *Engine) processCashout(req cashoutRequest) {
	var resp cashoutResponse
	defer func() { req.resp <- resp }()

	e.mu.RLock()
	round := e.round
	state := round.State
	mult := e.multiplier
	idx, hasOpen := e.open[req.playerID]
	e.mu.RUnlock()

	if state != models.RoundLive {
		resp.err = models.Statef("round %d is not live", round.Number)
		return
	}
	if !hasOpen {
		resp.err = models.Statef("no open wager for player in round %d", round.Number)
		return
	}

	e.mu.Lock()
	wager := &round.Wagers[idx]
	payoutAsset := wager.StakeAsset.Mul(mult)
	payoutUSD := wager.StakeUSD.Mul(mult)
	wager.CashedOut = true
	wager.CashoutMultiplier = &mult
	wager.CashoutAssetAmount = &payoutAsset
	delete(e.open, req.playerID)
	e.mu.Unlock()

	// The wager is already marked; a failed credit here is repaired by
	// ReconcileCashouts on the next startup.
	ctx := context.Background()
	if _, err := e.store.Credit(ctx, req.playerID, wager.Asset, payoutAsset); err != nil {
		log.Printf("[Engine] CRITICAL: cash-out credit for %s in round %d failed: %v", req.playerID, round.Number, err)
		resp.err = models.Internalf("cash-out credit failed")
		return
	}
	if err := e.store.RecordTransaction(ctx, models.Transaction{
		ID:          uuid.NewString(),
		PlayerID:    req.playerID,
		RoundID:     round.ID,
		Kind:        models.TxCashout,
		AmountUSD:   payoutUSD,
		AmountAsset: payoutAsset,
		Asset:       wager.Asset,
		Price:       wager.PriceAtPlacement,
		Multiplier:  &mult,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		log.Printf("[Engine] cashout transaction for %s: %v", req.playerID, err)
	}
	if err := e.store.BumpCounters(ctx, req.playerID, 0, 1, 0); err != nil {
		log.Printf("[Engine] win counter for %s: %v", req.playerID, err)
	}

	e.emit(models.EventCashoutAccepted, models.CashoutAcceptedData{
		RoundID:    round.ID,
		PlayerID:   req.playerID,
		Multiplier: mult,
		PayoutUSD:  payoutUSD,
		Asset:      wager.Asset,
	})
	resp.result = &CashoutResult{
		RoundID:     round.ID,
		Multiplier:  mult,
		PayoutUSD:   payoutUSD,
		PayoutAsset: payoutAsset,
		Asset:       wager.Asset,
	}
}

// Snapshot is the point-in-time view of the current round.
func (e *Engine) Snapshot() (*models.Snapshot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.round == nil {
		return nil, models.Statef("no round in progress")
	}
	return &models.Snapshot{
		RoundID:    e.round.ID,
		State:      e.round.State,
		Multiplier: e.multiplier,
		IsLive:     e.round.State == models.RoundLive,
		StartTime:  e.round.StartTime,
		WagerCount: len(e.round.Wagers),
		Hash:       e.round.Hash,
	}, nil
}

// emit never blocks the round loop; a full buffer drops the frame.
// Ticks and wager frames are droppable, round boundaries are not: those
// go through emitLifecycle.
func (e *Engine) emit(typ string, data any) {
	select {
	case e.events <- models.Event{Type: typ, Data: data}:
	default:
		log.Printf("[Engine] event buffer full, dropping %s", typ)
	}
}

// emitLifecycle blocks until the frame is buffered. Every attached
// observer must see round boundaries; the hub drains this channel
// without ever blocking, so the wait is bounded.
func (e *Engine) emitLifecycle(typ string, data any) {
	e.events <- models.Event{Type: typ, Data: data}
}

func (e *Engine) halt() {
	e.mu.Lock()
	e.halted = true
	e.mu.Unlock()
}

// nextRoundNumber resumes numbering after the newest persisted round.
func (e *Engine) nextRoundNumber(ctx context.Context) (uint64, error) {
	rounds, _, err := e.store.Rounds(ctx, 1, 1)
	if err != nil {
		return 0, err
	}
	if len(rounds) == 0 {
		return 1, nil
	}
	return rounds[0].Number + 1, nil
}
