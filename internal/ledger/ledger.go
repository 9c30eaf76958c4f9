package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/escrow-api/internal/auth"
	"github.com/ksred/escrow-api/internal/types"
	"github.com/ksred/escrow-api/pkg/response"
	"github.com/ksred/escrow-api/pkg/transaction"
)

// ErrInvalidArgument signals a malformed deposit request, detected before
// any read.
var ErrInvalidArgument = errors.New("invalid deposit parameters")

// SupportedCurrencies is the closed set of fiat buckets a ledger may hold.
// Every entry point that writes fiat validates against it, so no bucket can
// exist that trades cannot spend.
var SupportedCurrencies = map[string]bool{
	"USD": true,
	"VES": true,
	"EUR": true,
}

// Service exposes the ledger read model and the funding entry point. All
// balance mutations flow through the Store primitives inside one atomic
// unit per request.
type Service struct {
	db    *gorm.DB
	store *Store
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db:    gormDB,
		store: NewStore(gormDB),
	}
}

// Store exposes the underlying ledger store to the engines that mutate
// balances inside their own atomic units.
func (s *Service) Store() *Store {
	return s.store
}

// GetLedger returns the caller's ledger snapshot, creating the implicit
// all-zero ledger on first access.
func (s *Service) GetLedger(userID string) (*types.LedgerSnapshot, error) {
	var snapshot *types.LedgerSnapshot
	err := transaction.WithRetry(s.db, func(tx *gorm.DB) error {
		if _, err := s.store.EnsureTx(tx, userID); err != nil {
			return err
		}
		var err error
		snapshot, err = s.store.SnapshotTx(tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// DepositRequest funds a ledger with fiat or an asset. Exactly one of
// Currency and Asset must be set.
type DepositRequest struct {
	Currency string          `json:"currency"`
	Asset    string          `json:"asset"`
	Amount   decimal.Decimal `json:"amount"`
}

// Deposit credits a user's ledger. It stands in for the portal's external
// deposit flow and is reachable only through the internal surface.
func (s *Service) Deposit(userID string, req DepositRequest) (*types.LedgerSnapshot, error) {
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.Asset = strings.ToUpper(strings.TrimSpace(req.Asset))

	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if (req.Currency == "") == (req.Asset == "") {
		return nil, fmt.Errorf("%w: exactly one of currency or asset is required", ErrInvalidArgument)
	}
	if req.Currency != "" && !SupportedCurrencies[req.Currency] {
		return nil, fmt.Errorf("%w: unsupported currency %s", ErrInvalidArgument, req.Currency)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}

	var snapshot *types.LedgerSnapshot
	err := transaction.WithRetry(s.db, func(tx *gorm.DB) error {
		if _, err := s.store.EnsureTx(tx, userID); err != nil {
			return err
		}
		var err error
		if req.Currency != "" {
			_, err = s.store.AdjustFiatTx(tx, userID, req.Currency, req.Amount)
		} else {
			_, err = s.store.AdjustHoldingTx(tx, userID, req.Asset, req.Amount)
		}
		if err != nil {
			return err
		}
		snapshot, err = s.store.SnapshotTx(tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "ledger").
		Str("user_id", userID).
		Str("currency", req.Currency).
		Str("asset", req.Asset).
		Str("amount", req.Amount.String()).
		Msg("deposit applied")

	return snapshot, nil
}

// GinHandlers contains HTTP handlers for ledger endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetLedgerHandler handles GET requests for the caller's own ledger
// Requires a valid JWT token
func (h *GinHandlers) GetLedgerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.CallerID(c)
		if userID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		snapshot, err := h.service.GetLedger(userID)
		if errors.Is(err, transaction.ErrContention) {
			response.ServiceUnavailable(c, err.Error())
			return
		}
		response.Handle(c, snapshot, err)
	}
}

// DepositHandler handles POST requests to fund a ledger
// Requires internal authentication
// URL parameter: user_id
func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DepositRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		snapshot, err := h.service.Deposit(c.Param("user_id"), req)
		switch {
		case errors.Is(err, ErrInvalidArgument):
			response.BadRequest(c, err.Error())
		case errors.Is(err, transaction.ErrContention):
			response.ServiceUnavailable(c, err.Error())
		default:
			response.Handle(c, snapshot, err)
		}
	}
}
