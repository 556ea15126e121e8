package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/rawblock/crash-engine/internal/engine"
	"github.com/rawblock/crash-engine/internal/hub"
	"github.com/rawblock/crash-engine/internal/ledger"
	"github.com/rawblock/crash-engine/pkg/models"
)

// Game is the slice of the round engine the facade calls into.
type Game interface {
	PlaceWager(ctx context.Context, playerID string, stakeUSD decimal.Decimal, asset models.Asset) (*models.Wager, error)
	CashOut(ctx context.Context, playerID string) (*engine.CashoutResult, error)
	Snapshot() (*models.Snapshot, error)
	Verify(ctx context.Context, roundID, seedHex string, claimed decimal.Decimal) (*engine.VerifyResult, error)
	Halted() bool
}

// PriceOracle is the facade's view of the price cache.
type PriceOracle interface {
	Price(ctx context.Context, asset models.Asset) (decimal.Decimal, error)
	Prices(ctx context.Context, assets []models.Asset) (map[models.Asset]decimal.Decimal, error)
}

type APIHandler struct {
	store  ledger.Store
	game   Game
	oracle PriceOracle
	wsHub  *hub.Hub
}

func SetupRouter(store ledger.Store, game Game, oracle PriceOracle, wsHub *hub.Hub, allowedOrigins string) *gin.Engine {
	r := gin.Default()

	// CORS — configurable via ALLOWED_ORIGINS (comma-separated), empty
	// or "*" allows everything.
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{store: store, game: game, oracle: oracle, wsHub: wsHub}

	api := r.Group("/api/v1")
	{
		api.POST("/players", handler.handleCreatePlayer)
		api.GET("/players/:id/balance", handler.handleBalance)
		api.GET("/players/:id/transactions", handler.handleTransactions)
		api.POST("/players/:id/deposit", handler.handleDeposit)
		api.POST("/players/:id/withdraw", handler.handleWithdraw)
		api.POST("/transfers", handler.handleTransfer)

		api.POST("/wagers", handler.handlePlaceWager)
		api.POST("/cashout", handler.handleCashOut)

		api.GET("/round", handler.handleCurrentRound)
		api.GET("/rounds", handler.handleRoundHistory)
		api.GET("/rounds/:id", handler.handleRoundDetails)
		api.POST("/rounds/:id/verify", handler.handleVerifyRound)

		api.GET("/prices", handler.handlePrices)
		api.POST("/convert", handler.handleConvert)

		api.GET("/health", handler.handleHealth)
		if wsHub != nil {
			api.GET("/stream", wsHub.ServeStream)
		}
	}

	return r
}

// respondError maps the error taxonomy onto HTTP statuses. Every
// synchronous failure carries the stable code plus a short message.
func respondError(c *gin.Context, err error) {
	code := models.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case models.ErrValidation:
		status = http.StatusBadRequest
	case models.ErrState:
		status = http.StatusConflict
	case models.ErrFunds:
		status = http.StatusPaymentRequired
	case models.ErrInternal:
		status = http.StatusInternalServerError
	}
	message := err.Error()
	if code == models.ErrInternal {
		// No internals leak to callers.
		message = "internal error"
	}
	c.JSON(status, gin.H{"code": string(code), "error": message})
}

// respondPlayerError is respondError with unknown-player mapped to 404,
// used by lookups where a missing player is not a payment problem.
func respondPlayerError(c *gin.Context, err error) {
	if models.CodeOf(err) == models.ErrFunds {
		c.JSON(http.StatusNotFound, gin.H{"code": string(models.ErrFunds), "error": err.Error()})
		return
	}
	respondError(c, err)
}
