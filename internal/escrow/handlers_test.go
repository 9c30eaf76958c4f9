package escrow_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/ksred/escrow-api/internal/database"
	"github.com/ksred/escrow-api/internal/escrow"
	"github.com/ksred/escrow-api/internal/ledger"
)

// asCaller stands in for the JWT middleware, injecting a verified identity.
func asCaller(callerID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("clientID", callerID)
		c.Next()
	}
}

// newTestRouter wires the escrow handlers behind a stub identity so the
// HTTP error mapping can be exercised without tokens.
func newTestRouter(t *testing.T, callerID string) (*gin.Engine, *escrow.Service, *ledger.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	ledgerService := ledger.NewService(db)
	svc := escrow.NewService(db, ledgerService.Store())
	handlers := escrow.NewGinHandlers(svc)

	router := gin.New()
	group := router.Group("/api/v1", asCaller(callerID))
	group.POST("/escrow/:trade_id/confirm-payment", handlers.ConfirmPaymentHandler())
	group.POST("/escrow/:trade_id/release-funds", handlers.ReleaseFundsHandler())
	group.GET("/escrow/:trade_id", handlers.GetTradeHandler())
	return router, svc, ledgerService
}

func doPost(t *testing.T, router *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestConfirmPaymentHTTPMapping(t *testing.T) {
	router, svc, ledgers := newTestRouter(t, "seller")
	trade := seedTrade(t, svc, ledgers, d(10))

	// Wrong party maps to 403.
	w := doPost(t, router, "/api/v1/escrow/"+trade.TradeID+"/confirm-payment")
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d: %s", w.Code, w.Body.String())
	}

	// Missing trade maps to 404.
	w = doPost(t, router, "/api/v1/escrow/ESC_missing/confirm-payment")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestReleaseFundsHTTPMapping(t *testing.T) {
	router, svc, ledgers := newTestRouter(t, "seller")
	trade := seedTrade(t, svc, ledgers, d(10))

	// Settlement before confirmation maps to 409.
	w := doPost(t, router, "/api/v1/escrow/"+trade.TradeID+"/release-funds")
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Success || body.Error.Code != "INVALID_STATE" {
		t.Errorf("expected INVALID_STATE error envelope, got %s", w.Body.String())
	}

	if _, err := svc.ConfirmPayment(trade.TradeID, "buyer"); err != nil {
		t.Fatalf("ConfirmPayment failed: %v", err)
	}

	// A legal settlement maps to 201 with both ledgers in the payload.
	w = doPost(t, router, "/api/v1/escrow/"+trade.TradeID+"/release-funds")
	if w.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// The replay maps back to 409.
	w = doPost(t, router, "/api/v1/escrow/"+trade.TradeID+"/release-funds")
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on replay, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetTradeHTTPMapping(t *testing.T) {
	router, svc, ledgers := newTestRouter(t, "stranger")
	trade := seedTrade(t, svc, ledgers, d(10))

	req := httptest.NewRequest("GET", "/api/v1/escrow/"+trade.TradeID, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a non-party, got %d: %s", w.Code, w.Body.String())
	}
}
