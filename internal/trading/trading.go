package trading

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/escrow-api/internal/auth"
	"github.com/ksred/escrow-api/internal/ledger"
	"github.com/ksred/escrow-api/internal/types"
	"github.com/ksred/escrow-api/pkg/response"
	"github.com/ksred/escrow-api/pkg/transaction"
)

// ErrInvalidArgument signals a malformed trade request, detected before any
// read.
var ErrInvalidArgument = errors.New("invalid trade parameters")

// Service executes direct buy/sell trades against the caller's own ledger.
// Each trade is one atomic unit: the ledger mutation and the audit record
// commit together or not at all.
type Service struct {
	db      *gorm.DB
	dbase   *Database
	ledgers *ledger.Store
}

// NewService creates a new trading service with the given database
// connection and ledger store
func NewService(gormDB *gorm.DB, ledgers *ledger.Store) *Service {
	return &Service{
		db:      gormDB,
		dbase:   NewDatabase(gormDB),
		ledgers: ledgers,
	}
}

// ExecuteTrade applies a direct buy or sell to the caller's ledger with
// idempotency support. A replayed idempotency key returns the original
// trade record without touching the ledger again.
// Parameters:
//   - userID: authenticated owner of the ledger
//   - req: trade parameters
//   - idempotencyKey: unique key to prevent duplicate execution
func (s *Service) ExecuteTrade(userID string, req ExecuteTradeRequest, idempotencyKey string) (*types.ExecuteTradeResponse, error) {
	logger := log.With().
		Str("service", "trading").
		Str("user_id", userID).
		Logger()

	req.Side = strings.ToUpper(strings.TrimSpace(req.Side))
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = "USD"
	}

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	// Check for existing idempotency record
	record, err := s.dbase.GetIdempotencyRecord(idempotencyKey)
	if err != nil {
		return nil, err
	}
	if record != nil && record.ExpiresAt.After(time.Now()) {
		existing, err := s.dbase.GetTrade(record.ResourceID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, errors.New("trade record not found for idempotency key")
		}
		snapshot, err := s.ledgers.Snapshot(userID)
		if err != nil {
			return nil, err
		}
		logger.Info().
			Str("trade_record_id", existing.TradeRecordID).
			Msg("returning existing trade for idempotency key")
		return &types.ExecuteTradeResponse{Trade: existing, Ledger: snapshot}, nil
	}

	trade := &types.DirectTrade{
		TradeRecordID: "TRD_" + uuid.New().String(),
		UserID:        userID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		UnitPrice:     req.UnitPrice,
		Currency:      req.Currency,
		ExecutedAt:    time.Now(),
	}

	var snapshot *types.LedgerSnapshot
	err = transaction.WithRetry(s.db, func(tx *gorm.DB) error {
		if _, err := s.ledgers.EnsureTx(tx, userID); err != nil {
			return err
		}

		notional := req.Quantity.Mul(req.UnitPrice)
		if req.Side == types.SideBuy {
			// Debit fiat by cost, credit holdings by quantity.
			if _, err := s.ledgers.AdjustFiatTx(tx, userID, req.Currency, notional.Neg()); err != nil {
				return err
			}
			if _, err := s.ledgers.AdjustHoldingTx(tx, userID, req.Symbol, req.Quantity); err != nil {
				return err
			}
		} else {
			// Debit holdings by quantity, credit fiat by proceeds.
			if _, err := s.ledgers.AdjustHoldingTx(tx, userID, req.Symbol, req.Quantity.Neg()); err != nil {
				return err
			}
			if _, err := s.ledgers.AdjustFiatTx(tx, userID, req.Currency, notional); err != nil {
				return err
			}
		}

		if err := s.dbase.CreateTradeTx(tx, trade); err != nil {
			return err
		}
		if record != nil {
			// The key's previous record has expired but the janitor may not
			// have purged it yet.
			if err := s.dbase.DeleteIdempotencyRecordTx(tx, idempotencyKey); err != nil {
				return err
			}
		}
		if err := s.dbase.CreateIdempotencyRecordTx(tx, idempotencyKey, trade.TradeRecordID, "direct_trade"); err != nil {
			return err
		}

		var err error
		snapshot, err = s.ledgers.SnapshotTx(tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("trade_record_id", trade.TradeRecordID).
		Str("symbol", trade.Symbol).
		Str("side", trade.Side).
		Str("quantity", trade.Quantity.String()).
		Str("unit_price", trade.UnitPrice.String()).
		Msg("trade executed")

	return &types.ExecuteTradeResponse{Trade: trade, Ledger: snapshot}, nil
}

// GetTrades returns the caller's direct trade history, newest first.
func (s *Service) GetTrades(userID string) ([]types.DirectTrade, error) {
	return s.dbase.GetTradesByUser(userID)
}

// Database exposes the trading repository to the idempotency janitor.
func (s *Service) Database() *Database {
	return s.dbase
}

func validateRequest(req ExecuteTradeRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidArgument)
	}
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidArgument)
	}
	if !req.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidArgument)
	}
	if !req.UnitPrice.IsPositive() {
		return fmt.Errorf("%w: unit price must be positive", ErrInvalidArgument)
	}
	if !ledger.SupportedCurrencies[req.Currency] {
		return fmt.Errorf("%w: unsupported currency %s", ErrInvalidArgument, req.Currency)
	}
	return nil
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ExecuteTradeHandler handles POST requests to execute direct trades
// Requires a valid JWT token and idempotency key in headers
// Request body should contain the trade parameters
func (h *GinHandlers) ExecuteTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get idempotency key from header
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		userID := auth.CallerID(c)
		if userID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		var req ExecuteTradeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.ExecuteTrade(userID, req, idempotencyKey)
		switch {
		case errors.Is(err, ErrInvalidArgument):
			response.BadRequest(c, err.Error())
		case errors.Is(err, ledger.ErrInsufficientFunds),
			errors.Is(err, ledger.ErrInsufficientHoldings):
			response.UnprocessableEntity(c, err.Error())
		case errors.Is(err, transaction.ErrContention):
			response.ServiceUnavailable(c, err.Error())
		default:
			response.Handle(c, result, err)
		}
	}
}

// GetTradesHandler handles GET requests for the caller's trade history
// Requires a valid JWT token
func (h *GinHandlers) GetTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.CallerID(c)
		if userID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		trades, err := h.service.GetTrades(userID)
		response.Handle(c, trades, err)
	}
}
