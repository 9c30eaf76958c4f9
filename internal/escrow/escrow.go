package escrow

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
	"github.com/ksred/escrow-api/pkg/response"
	"github.com/ksred/escrow-api/pkg/transaction"
)

// Service drives a two-party escrow trade through its state machine. Every
// transition is one atomic unit: the legality checks run against the locked
// current state, and nothing is written if any precondition fails. The
// settlement transition is the only operation anywhere that moves three
// records (trade + both ledgers) together.
type Service struct {
	db      *gorm.DB
	dbase   *Database
	ledgers *ledger.Store
}

// NewService creates a new escrow service with the given database
// connection and ledger store
func NewService(gormDB *gorm.DB, ledgers *ledger.Store) *Service {
	return &Service{
		db:      gormDB,
		dbase:   NewDatabase(gormDB),
		ledgers: ledgers,
	}
}

// CreateTrade records a new escrow trade in AWAITING_PAYMENT. Trade
// creation belongs to the offer-acceptance flow upstream of this engine;
// this entry point exists on the internal surface so that flow has
// something to call.
func (s *Service) CreateTrade(req CreateTradeRequest) (*Trade, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))

	if req.BuyerID == "" || req.SellerID == "" {
		return nil, fmt.Errorf("%w: buyer and seller are required", ErrInvalidArgument)
	}
	if req.BuyerID == req.SellerID {
		return nil, fmt.Errorf("%w: buyer and seller must be distinct", ErrInvalidArgument)
	}
	if req.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidArgument)
	}
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidArgument)
	}

	trade := &Trade{
		TradeID:   "ESC_" + uuid.New().String(),
		BuyerID:   req.BuyerID,
		SellerID:  req.SellerID,
		Symbol:    req.Symbol,
		Quantity:  req.Quantity,
		Status:    StatusAwaitingPayment,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.dbase.CreateTrade(trade); err != nil {
		return nil, fmt.Errorf("failed to create escrow trade: %w", err)
	}

	log.Info().
		Str("service", "escrow").
		Str("trade_id", trade.TradeID).
		Str("buyer_id", trade.BuyerID).
		Str("seller_id", trade.SellerID).
		Str("symbol", trade.Symbol).
		Str("quantity", trade.Quantity.String()).
		Msg("escrow trade created")

	return trade, nil
}

// ConfirmPayment records the buyer's payment intent. Only the buyer may
// call it, only from AWAITING_PAYMENT, and no ledger is touched.
func (s *Service) ConfirmPayment(tradeID, callerID string) (*StatusResponse, error) {
	logger := log.With().
		Str("service", "escrow").
		Str("trade_id", tradeID).
		Str("caller_id", callerID).
		Logger()

	var result *StatusResponse
	err := transaction.WithRetry(s.db, func(tx *gorm.DB) error {
		trade, err := s.dbase.GetTradeForUpdateTx(tx, tradeID)
		if err != nil {
			return err
		}
		if callerID != trade.BuyerID {
			return fmt.Errorf("%w: only the buyer may confirm payment", ErrPermissionDenied)
		}
		if trade.Status != StatusAwaitingPayment {
			return fmt.Errorf("%w: expected %s, found %s", ErrInvalidState, StatusAwaitingPayment, trade.Status)
		}

		trade.Status = StatusPaymentConfirmed
		trade.UpdatedAt = time.Now()
		if err := s.dbase.UpdateTradeTx(tx, trade); err != nil {
			return err
		}

		result = &StatusResponse{
			TradeID:   trade.TradeID,
			Status:    trade.Status,
			UpdatedAt: trade.UpdatedAt,
		}
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("payment confirmation rejected")
		return nil, err
	}

	logger.Info().Str("status", result.Status).Msg("payment confirmed")
	return result, nil
}

// ReleaseFunds is the settlement transition. Only the seller may call it,
// only from PAYMENT_CONFIRMED. The asset quantity moves from the seller's
// holding to the buyer's and the trade completes, all in one commit: either
// all three records change or none do. Retrying after success fails with
// ErrInvalidState rather than moving the asset twice.
func (s *Service) ReleaseFunds(tradeID, callerID string) (*SettlementResponse, error) {
	logger := log.With().
		Str("service", "escrow").
		Str("trade_id", tradeID).
		Str("caller_id", callerID).
		Logger()

	var result *SettlementResponse
	err := transaction.WithRetry(s.db, func(tx *gorm.DB) error {
		trade, err := s.dbase.GetTradeForUpdateTx(tx, tradeID)
		if err != nil {
			return err
		}
		if callerID != trade.SellerID {
			return fmt.Errorf("%w: only the seller may release funds", ErrPermissionDenied)
		}
		if trade.Status != StatusPaymentConfirmed {
			return fmt.Errorf("%w: expected %s, found %s", ErrInvalidState, StatusPaymentConfirmed, trade.Status)
		}

		// Lock both ledgers before moving anything.
		if _, err := s.ledgers.GetTx(tx, trade.SellerID); err != nil {
			return err
		}
		if _, err := s.ledgers.EnsureTx(tx, trade.BuyerID); err != nil {
			return err
		}

		if _, err := s.ledgers.AdjustHoldingTx(tx, trade.SellerID, trade.Symbol, trade.Quantity.Neg()); err != nil {
			return err
		}
		if _, err := s.ledgers.AdjustHoldingTx(tx, trade.BuyerID, trade.Symbol, trade.Quantity); err != nil {
			return err
		}

		trade.Status = StatusCompleted
		trade.UpdatedAt = time.Now()
		if err := s.dbase.UpdateTradeTx(tx, trade); err != nil {
			return err
		}

		sellerLedger, err := s.ledgers.SnapshotTx(tx, trade.SellerID)
		if err != nil {
			return err
		}
		buyerLedger, err := s.ledgers.SnapshotTx(tx, trade.BuyerID)
		if err != nil {
			return err
		}

		result = &SettlementResponse{
			Trade:        trade,
			SellerLedger: sellerLedger,
			BuyerLedger:  buyerLedger,
		}
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("settlement rejected")
		return nil, err
	}

	logger.Info().
		Str("symbol", result.Trade.Symbol).
		Str("quantity", result.Trade.Quantity.String()).
		Msg("escrow trade settled")
	return result, nil
}

// GetTrade returns a trade to one of its parties.
func (s *Service) GetTrade(tradeID, callerID string) (*Trade, error) {
	trade, err := s.dbase.GetTrade(tradeID)
	if err != nil {
		return nil, err
	}
	if callerID != trade.BuyerID && callerID != trade.SellerID {
		return nil, fmt.Errorf("%w: caller is not a party to this trade", ErrPermissionDenied)
	}
	return trade, nil
}

// ListTrades returns trades for the admin surface, optionally filtered by
// status.
func (s *Service) ListTrades(status string) ([]Trade, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	if status != "" {
		normalized, err := normalizeStatus(status)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown status filter", ErrInvalidArgument)
		}
		status = normalized
	}
	return s.dbase.GetTradesByStatus(status)
}

// GinHandlers contains HTTP handlers for escrow endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for escrow endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// respond maps the escrow error taxonomy onto HTTP responses
func respond(c *gin.Context, data interface{}, err error) {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrPermissionDenied):
		response.Forbidden(c, err.Error())
	case errors.Is(err, ErrInvalidState):
		response.InvalidState(c, err.Error())
	case errors.Is(err, ledger.ErrInsufficientHoldings):
		response.UnprocessableEntity(c, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		response.UnprocessableEntity(c, err.Error())
	case errors.Is(err, transaction.ErrContention):
		response.ServiceUnavailable(c, err.Error())
	default:
		response.Handle(c, data, err)
	}
}

// ConfirmPaymentHandler handles POST requests from the buyer to confirm
// payment
// Requires a valid JWT token; caller must be the trade's buyer
// URL parameter: trade_id
func (h *GinHandlers) ConfirmPaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		callerID := auth.CallerID(c)
		if callerID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		result, err := h.service.ConfirmPayment(c.Param("trade_id"), callerID)
		respond(c, result, err)
	}
}

// ReleaseFundsHandler handles POST requests from the seller to settle the
// trade
// Requires a valid JWT token; caller must be the trade's seller
// URL parameter: trade_id
func (h *GinHandlers) ReleaseFundsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		callerID := auth.CallerID(c)
		if callerID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		result, err := h.service.ReleaseFunds(c.Param("trade_id"), callerID)
		respond(c, result, err)
	}
}

// GetTradeHandler handles GET requests for a single trade by one of its
// parties
// URL parameter: trade_id
func (h *GinHandlers) GetTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		callerID := auth.CallerID(c)
		if callerID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		trade, err := h.service.GetTrade(c.Param("trade_id"), callerID)
		respond(c, trade, err)
	}
}

// CreateTradeHandler handles POST requests to create escrow trades
// Requires internal authentication
func (h *GinHandlers) CreateTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateTradeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		trade, err := h.service.CreateTrade(req)
		respond(c, trade, err)
	}
}

// ListTradesHandler handles GET requests on the admin surface
// Requires a valid JWT token carrying the administrator claim
// Query parameter: status (optional)
func (h *GinHandlers) ListTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.IsAdmin(c) {
			response.Forbidden(c, "administrator claim required")
			return
		}

		trades, err := h.service.ListTrades(c.Query("status"))
		respond(c, trades, err)
	}
}
