package api

import (
	"log"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rawblock/crash-engine/internal/ledger"
	"github.com/rawblock/crash-engine/pkg/models"
)

// externalRoundID tags transactions that do not belong to a round
// (deposits, withdrawals, transfers).
const externalRoundID = "external"

const (
	directionUSDToAsset = "usd_to_asset"
	directionAssetToUSD = "asset_to_usd"
)

func (h *APIHandler) handleCreatePlayer(c *gin.Context) {
	var req struct {
		ID              string                           `json:"id"`
		Name            string                           `json:"name"`
		InitialBalances map[models.Asset]decimal.Decimal `json:"initialBalances"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, models.Validationf("invalid request body"))
		return
	}
	if !ledger.PlayerIDPattern.MatchString(req.ID) {
		respondError(c, models.Validationf("player id must be 3-50 chars of [A-Za-z0-9_-]"))
		return
	}
	if n := utf8.RuneCountInString(req.Name); n < 3 || n > 20 {
		respondError(c, models.Validationf("player name must be 3-20 characters"))
		return
	}
	for asset := range req.InitialBalances {
		if !asset.IsSupported() {
			respondError(c, models.Validationf("unsupported asset %q", asset))
			return
		}
	}

	player, err := h.store.CreatePlayer(c.Request.Context(), req.ID, req.Name, req.InitialBalances)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, player)
}

func (h *APIHandler) handleBalance(c *gin.Context) {
	player, err := h.store.GetPlayer(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondPlayerError(c, err)
		return
	}

	priceMap, err := h.oracle.Prices(c.Request.Context(), models.SupportedAssets)
	if err != nil {
		respondError(c, err)
		return
	}
	totalFiat := decimal.Zero
	for asset, amount := range player.Balances {
		totalFiat = totalFiat.Add(amount.Mul(priceMap[asset]))
	}

	c.JSON(http.StatusOK, gin.H{
		"playerId":     player.ID,
		"name":         player.Name,
		"balances":     player.Balances,
		"prices":       priceMap,
		"totalFiat":    totalFiat,
		"wagersPlaced": player.WagersPlaced,
		"wins":         player.Wins,
		"losses":       player.Losses,
	})
}

func (h *APIHandler) handleTransactions(c *gin.Context) {
	playerID := c.Param("id")
	if _, err := h.store.GetPlayer(c.Request.Context(), playerID); err != nil {
		respondPlayerError(c, err)
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	filter := ledger.TransactionFilter{}
	if kind := c.Query("kind"); kind != "" {
		switch k := models.TransactionKind(kind); k {
		case models.TxWager, models.TxCashout, models.TxDeposit, models.TxWithdrawal:
			filter.Kind = k
		default:
			respondError(c, models.Validationf("unknown transaction kind %q", kind))
			return
		}
	}

	records, totalCount, err := h.store.Transactions(c.Request.Context(), playerID, filter, page, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":       records,
		"totalCount": totalCount,
		"page":       page,
		"limit":      limit,
	})
}

type movementRequest struct {
	Asset  models.Asset    `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

func (r movementRequest) validate() error {
	if !r.Asset.IsSupported() {
		return models.Validationf("unsupported asset %q", r.Asset)
	}
	if r.Amount.Sign() <= 0 {
		return models.Validationf("amount must be positive")
	}
	return nil
}

func (h *APIHandler) handleDeposit(c *gin.Context) {
	h.handleMovement(c, models.TxDeposit)
}

func (h *APIHandler) handleWithdraw(c *gin.Context) {
	h.handleMovement(c, models.TxWithdrawal)
}

func (h *APIHandler) handleMovement(c *gin.Context, kind models.TransactionKind) {
	var req movementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, models.Validationf("invalid request body"))
		return
	}
	if err := req.validate(); err != nil {
		respondError(c, err)
		return
	}
	ctx := c.Request.Context()
	playerID := c.Param("id")

	var (
		balance decimal.Decimal
		err     error
	)
	if kind == models.TxDeposit {
		balance, err = h.store.Credit(ctx, playerID, req.Asset, req.Amount)
	} else {
		balance, err = h.store.Debit(ctx, playerID, req.Asset, req.Amount)
	}
	if err != nil {
		if kind == models.TxDeposit {
			respondPlayerError(c, err)
		} else {
			respondError(c, err)
		}
		return
	}

	price, err := h.oracle.Price(ctx, req.Asset)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.store.RecordTransaction(ctx, models.Transaction{
		ID:          uuid.NewString(),
		PlayerID:    playerID,
		RoundID:     externalRoundID,
		Kind:        kind,
		AmountUSD:   req.Amount.Mul(price),
		AmountAsset: req.Amount,
		Asset:       req.Asset,
		Price:       price,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		log.Printf("[API] recording %s for %s: %v", kind, playerID, err)
	}

	c.JSON(http.StatusOK, gin.H{
		"playerId": playerID,
		"asset":    req.Asset,
		"amount":   req.Amount,
		"balance":  balance,
	})
}

func (h *APIHandler) handleTransfer(c *gin.Context) {
	var req struct {
		From   string          `json:"from"`
		To     string          `json:"to"`
		Asset  models.Asset    `json:"asset"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, models.Validationf("invalid request body"))
		return
	}
	if err := (movementRequest{Asset: req.Asset, Amount: req.Amount}).validate(); err != nil {
		respondError(c, err)
		return
	}
	if req.From == req.To {
		respondError(c, models.Validationf("cannot transfer to self"))
		return
	}

	ctx := c.Request.Context()
	if err := h.store.Transfer(ctx, req.From, req.To, req.Asset, req.Amount); err != nil {
		respondError(c, err)
		return
	}

	price, priceErr := h.oracle.Price(ctx, req.Asset)
	if priceErr != nil {
		price = decimal.Zero
	}
	now := time.Now().UTC()
	for _, record := range []models.Transaction{
		{ID: uuid.NewString(), PlayerID: req.From, RoundID: externalRoundID, Kind: models.TxWithdrawal,
			AmountUSD: req.Amount.Mul(price), AmountAsset: req.Amount, Asset: req.Asset, Price: price, CreatedAt: now},
		{ID: uuid.NewString(), PlayerID: req.To, RoundID: externalRoundID, Kind: models.TxDeposit,
			AmountUSD: req.Amount.Mul(price), AmountAsset: req.Amount, Asset: req.Asset, Price: price, CreatedAt: now},
	} {
		if err := h.store.RecordTransaction(ctx, record); err != nil {
			log.Printf("[API] recording transfer leg for %s: %v", record.PlayerID, err)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"from":   req.From,
		"to":     req.To,
		"asset":  req.Asset,
		"amount": req.Amount,
	})
}

func (h *APIHandler) handlePlaceWager(c *gin.Context) {
	var req struct {
		PlayerID string          `json:"playerId"`
		StakeUSD decimal.Decimal `json:"stakeUsd"`
		Asset    models.Asset    `json:"asset"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, models.Validationf("invalid request body"))
		return
	}
	if !ledger.PlayerIDPattern.MatchString(req.PlayerID) {
		respondError(c, models.Validationf("invalid player id"))
		return
	}

	wager, err := h.game.PlaceWager(c.Request.Context(), req.PlayerID, req.StakeUSD, req.Asset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wager)
}

func (h *APIHandler) handleCashOut(c *gin.Context) {
	var req struct {
		PlayerID string `json:"playerId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, models.Validationf("invalid request body"))
		return
	}
	if !ledger.PlayerIDPattern.MatchString(req.PlayerID) {
		respondError(c, models.Validationf("invalid player id"))
		return
	}

	result, err := h.game.CashOut(c.Request.Context(), req.PlayerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandler) handleCurrentRound(c *gin.Context) {
	snap, err := h.game.Snapshot()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *APIHandler) handleRoundHistory(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	rounds, totalCount, err := h.store.Rounds(c.Request.Context(), page, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":       rounds,
		"totalCount": totalCount,
		"page":       page,
		"limit":      limit,
	})
}

func (h *APIHandler) handleRoundDetails(c *gin.Context) {
	round, err := h.store.GetRound(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": string(models.ErrValidation), "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, round)
}

func (h *APIHandler) handleVerifyRound(c *gin.Context) {
	var req struct {
		Seed       string          `json:"seed"`
		CrashPoint decimal.Decimal `json:"crashPoint"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, models.Validationf("invalid request body"))
		return
	}

	result, err := h.game.Verify(c.Request.Context(), c.Param("id"), req.Seed, req.CrashPoint)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandler) handlePrices(c *gin.Context) {
	priceMap, err := h.oracle.Prices(c.Request.Context(), models.SupportedAssets)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prices": priceMap, "timestamp": time.Now().UTC()})
}

func (h *APIHandler) handleConvert(c *gin.Context) {
	var req struct {
		Amount    decimal.Decimal `json:"amount"`
		Asset     models.Asset    `json:"asset"`
		Direction string          `json:"direction"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, models.Validationf("invalid request body"))
		return
	}
	if err := (movementRequest{Asset: req.Asset, Amount: req.Amount}).validate(); err != nil {
		respondError(c, err)
		return
	}

	price, err := h.oracle.Price(c.Request.Context(), req.Asset)
	if err != nil {
		respondError(c, err)
		return
	}

	var converted decimal.Decimal
	switch req.Direction {
	case directionUSDToAsset:
		converted = req.Amount.DivRound(price, 12)
	case directionAssetToUSD:
		converted = req.Amount.Mul(price)
	default:
		respondError(c, models.Validationf("direction must be %q or %q", directionUSDToAsset, directionAssetToUSD))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"asset":     req.Asset,
		"direction": req.Direction,
		"amount":    req.Amount,
		"converted": converted,
		"price":     price,
	})
}

// handleHealth reports engine and store status for service discovery.
func (h *APIHandler) handleHealth(c *gin.Context) {
	status := "operational"
	if h.game.Halted() {
		status = "halted"
	}
	storeUp := h.store.Ping(c.Request.Context()) == nil

	payload := gin.H{
		"status":         status,
		"engine":         "crash-engine v1",
		"storeConnected": storeUp,
	}
	if h.wsHub != nil {
		payload["observers"] = h.wsHub.Observers()
	}
	if snap, err := h.game.Snapshot(); err == nil {
		payload["round"] = gin.H{"id": snap.RoundID, "state": snap.State, "isLive": snap.IsLive}
	}
	c.JSON(http.StatusOK, payload)
}
