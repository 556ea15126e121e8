package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rawblock/crash-engine/pkg/models"
)

// MemoryStore keeps the full ledger in process memory. It backs unit
// tests and DB-less development runs; semantics mirror PostgresStore,
// including the conditional debit and the append-only transaction log.
type MemoryStore struct {
	mu           sync.RWMutex
	players      map[string]*models.Player
	names        map[string]bool
	transactions []models.Transaction
	rounds       map[string]*models.Round
	roundOrder   []string // round ids in creation order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		players: make(map[string]*models.Player),
		names:   make(map[string]bool),
		rounds:  make(map[string]*models.Round),
	}
}

func (s *MemoryStore) CreatePlayer(_ context.Context, id, name string, initial map[models.Asset]decimal.Decimal) (*models.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.players[id]; exists {
		return nil, models.Validationf("player id or name already taken")
	}
	if s.names[name] {
		return nil, models.Validationf("player id or name already taken")
	}

	balances := make(map[models.Asset]decimal.Decimal, len(models.SupportedAssets))
	for _, asset := range models.SupportedAssets {
		amount := decimal.Zero
		if v, ok := initial[asset]; ok {
			amount = v
		}
		if amount.Sign() < 0 {
			return nil, models.Validationf("initial balance for %s must not be negative", asset)
		}
		balances[asset] = amount
	}

	player := &models.Player{
		ID:        id,
		Name:      name,
		Balances:  balances,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	s.players[id] = player
	s.names[name] = true
	return copyPlayer(player), nil
}

func (s *MemoryStore) GetPlayer(_ context.Context, id string) (*models.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	player, ok := s.players[id]
	if !ok {
		return nil, models.Fundsf("unknown player %q", id)
	}
	return copyPlayer(player), nil
}

func (s *MemoryStore) Credit(_ context.Context, id string, asset models.Asset, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		return decimal.Zero, models.Validationf("credit amount must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	player, ok := s.players[id]
	if !ok {
		return decimal.Zero, models.Fundsf("unknown player %q", id)
	}
	next := player.Balances[asset].Add(amount)
	player.Balances[asset] = next
	return next, nil
}

func (s *MemoryStore) Debit(_ context.Context, id string, asset models.Asset, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		return decimal.Zero, models.Validationf("debit amount must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	player, ok := s.players[id]
	if !ok {
		return decimal.Zero, models.Fundsf("unknown player %q", id)
	}
	current := player.Balances[asset]
	if current.LessThan(amount) {
		return decimal.Zero, models.Fundsf("insufficient %s balance", asset)
	}
	next := current.Sub(amount)
	player.Balances[asset] = next
	return next, nil
}

func (s *MemoryStore) Transfer(_ context.Context, src, dst string, asset models.Asset, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return models.Validationf("transfer amount must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	from, ok := s.players[src]
	if !ok {
		return models.Fundsf("unknown player %q", src)
	}
	to, ok := s.players[dst]
	if !ok {
		return models.Fundsf("unknown player %q", dst)
	}
	if from.Balances[asset].LessThan(amount) {
		return models.Fundsf("insufficient %s balance", asset)
	}
	from.Balances[asset] = from.Balances[asset].Sub(amount)
	to.Balances[asset] = to.Balances[asset].Add(amount)
	return nil
}

func (s *MemoryStore) BumpCounters(_ context.Context, id string, wagers, wins, losses int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	player, ok := s.players[id]
	if !ok {
		return models.Fundsf("unknown player %q", id)
	}
	player.WagersPlaced += wagers
	player.Wins += wins
	player.Losses += losses
	return nil
}

func (s *MemoryStore) RecordTransaction(_ context.Context, record models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions = append(s.transactions, record)
	return nil
}

func (s *MemoryStore) Transactions(_ context.Context, playerID string, filter TransactionFilter, page, pageSize int) ([]models.Transaction, int, error) {
	page, pageSize = normalizePage(page, pageSize)

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]models.Transaction, 0)
	for _, record := range s.transactions {
		if record.PlayerID != playerID {
			continue
		}
		if filter.Kind != "" && record.Kind != filter.Kind {
			continue
		}
		matched = append(matched, record)
	}
	// Newest first, matching the Postgres ordering.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := (page - 1) * pageSize
	if start >= total {
		return []models.Transaction{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return append([]models.Transaction(nil), matched[start:end]...), total, nil
}

func (s *MemoryStore) SaveRound(_ context.Context, round *models.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rounds[round.ID]; !exists {
		s.roundOrder = append(s.roundOrder, round.ID)
	}
	s.rounds[round.ID] = copyRound(round)
	return nil
}

func (s *MemoryStore) GetRound(_ context.Context, id string) (*models.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	round, ok := s.rounds[id]
	if !ok {
		return nil, models.Validationf("unknown round %q", id)
	}
	return copyRound(round), nil
}

func (s *MemoryStore) Rounds(_ context.Context, page, pageSize int) ([]models.Round, int, error) {
	page, pageSize = normalizePage(page, pageSize)

	s.mu.RLock()
	defer s.mu.RUnlock()

	settled := make([]*models.Round, 0, len(s.roundOrder))
	for i := len(s.roundOrder) - 1; i >= 0; i-- {
		round := s.rounds[s.roundOrder[i]]
		if round.State == models.RoundSettled {
			settled = append(settled, round)
		}
	}

	total := len(settled)
	start := (page - 1) * pageSize
	if start >= total {
		return []models.Round{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	out := make([]models.Round, 0, end-start)
	for _, round := range settled[start:end] {
		out = append(out, *copyRound(round))
	}
	return out, total, nil
}

func (s *MemoryStore) UnreconciledCashouts(_ context.Context) ([]CashoutRepair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	credited := make(map[string]bool)
	for _, record := range s.transactions {
		if record.Kind == models.TxCashout {
			credited[record.RoundID+"|"+record.PlayerID] = true
		}
	}

	var repairs []CashoutRepair
	for _, id := range s.roundOrder {
		round := s.rounds[id]
		for _, wager := range round.Wagers {
			if wager.CashedOut && !credited[round.ID+"|"+wager.PlayerID] {
				repairs = append(repairs, CashoutRepair{RoundID: round.ID, Wager: wager})
			}
		}
	}
	return repairs, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}

func copyPlayer(p *models.Player) *models.Player {
	cp := *p
	cp.Balances = make(map[models.Asset]decimal.Decimal, len(p.Balances))
	for asset, amount := range p.Balances {
		cp.Balances[asset] = amount
	}
	return &cp
}

func copyRound(r *models.Round) *models.Round {
	cp := *r
	cp.Wagers = append([]models.Wager(nil), r.Wagers...)
	return &cp
}
