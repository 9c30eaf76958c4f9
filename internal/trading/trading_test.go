package trading_test

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/escrow-api/internal/database"
	"github.com/ksred/escrow-api/internal/ledger"
	"github.com/ksred/escrow-api/internal/trading"
	"github.com/ksred/escrow-api/internal/types"
	"github.com/ksred/escrow-api/pkg/transaction"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv opens a fresh sqlite database and wires the trading service
// on top of a ledger store.
func newTestEnv(t *testing.T) (*trading.Service, *ledger.Service) {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	ledgerService := ledger.NewService(db)
	return trading.NewService(db, ledgerService.Store()), ledgerService
}

// fundFiat seeds a user's fiat balance.
func fundFiat(t *testing.T, ledgers *ledger.Service, userID string, amount decimal.Decimal) {
	t.Helper()
	if _, err := ledgers.Deposit(userID, ledger.DepositRequest{Currency: "USD", Amount: amount}); err != nil {
		t.Fatalf("failed to fund %s: %v", userID, err)
	}
}

// fundAsset seeds a user's holding.
func fundAsset(t *testing.T, ledgers *ledger.Service, userID, asset string, qty decimal.Decimal) {
	t.Helper()
	if _, err := ledgers.Deposit(userID, ledger.DepositRequest{Asset: asset, Amount: qty}); err != nil {
		t.Fatalf("failed to fund %s: %v", userID, err)
	}
}

func TestExecuteTradeBuy(t *testing.T) {
	svc, ledgers := newTestEnv(t)
	fundFiat(t, ledgers, "user1", d(100))

	result, err := svc.ExecuteTrade("user1", trading.ExecuteTradeRequest{
		Symbol:    "X",
		Side:      "BUY",
		Quantity:  d(2),
		UnitPrice: d(40),
	}, "key-buy-1")
	if err != nil {
		t.Fatalf("ExecuteTrade failed: %v", err)
	}

	if !result.Ledger.Fiat["USD"].Equal(d(20)) {
		t.Errorf("expected fiat 20, got %s", result.Ledger.Fiat["USD"])
	}
	if !result.Ledger.Holdings["X"].Equal(d(2)) {
		t.Errorf("expected holding X=2, got %s", result.Ledger.Holdings["X"])
	}
	if result.Trade.Side != types.SideBuy {
		t.Errorf("expected side BUY, got %s", result.Trade.Side)
	}
}

func TestExecuteTradeInsufficientFunds(t *testing.T) {
	svc, ledgers := newTestEnv(t)
	fundFiat(t, ledgers, "user1", d(100))

	// Cost 120 exceeds the 100 balance.
	_, err := svc.ExecuteTrade("user1", trading.ExecuteTradeRequest{
		Symbol:    "X",
		Side:      "BUY",
		Quantity:  d(2),
		UnitPrice: d(60),
	}, "key-buy-2")
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	snapshot, err := ledgers.GetLedger("user1")
	if err != nil {
		t.Fatalf("GetLedger failed: %v", err)
	}
	if !snapshot.Fiat["USD"].Equal(d(100)) {
		t.Errorf("expected balance unchanged at 100, got %s", snapshot.Fiat["USD"])
	}
	if len(snapshot.Holdings) != 0 {
		t.Errorf("expected no holdings, got %v", snapshot.Holdings)
	}

	trades, err := svc.GetTrades("user1")
	if err != nil {
		t.Fatalf("GetTrades failed: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("expected no trade records after rejection, got %d", len(trades))
	}
}

func TestExecuteTradeSell(t *testing.T) {
	svc, ledgers := newTestEnv(t)
	fundAsset(t, ledgers, "user1", "X", d(5))

	result, err := svc.ExecuteTrade("user1", trading.ExecuteTradeRequest{
		Symbol:    "X",
		Side:      "SELL",
		Quantity:  d(2),
		UnitPrice: d(10),
	}, "key-sell-1")
	if err != nil {
		t.Fatalf("ExecuteTrade failed: %v", err)
	}

	if !result.Ledger.Holdings["X"].Equal(d(3)) {
		t.Errorf("expected holding X=3, got %s", result.Ledger.Holdings["X"])
	}
	if !result.Ledger.Fiat["USD"].Equal(d(20)) {
		t.Errorf("expected fiat 20, got %s", result.Ledger.Fiat["USD"])
	}

	// Selling the remainder removes the key entirely.
	result, err = svc.ExecuteTrade("user1", trading.ExecuteTradeRequest{
		Symbol:    "X",
		Side:      "SELL",
		Quantity:  d(3),
		UnitPrice: d(10),
	}, "key-sell-2")
	if err != nil {
		t.Fatalf("ExecuteTrade failed: %v", err)
	}
	if _, exists := result.Ledger.Holdings["X"]; exists {
		t.Errorf("expected X key removed at zero, got %v", result.Ledger.Holdings)
	}
	if !result.Ledger.Fiat["USD"].Equal(d(50)) {
		t.Errorf("expected fiat 50, got %s", result.Ledger.Fiat["USD"])
	}
}

func TestExecuteTradeInsufficientHoldings(t *testing.T) {
	svc, ledgers := newTestEnv(t)
	fundAsset(t, ledgers, "user1", "X", d(1))

	_, err := svc.ExecuteTrade("user1", trading.ExecuteTradeRequest{
		Symbol:    "X",
		Side:      "SELL",
		Quantity:  d(2),
		UnitPrice: d(10),
	}, "key-sell-3")
	if !errors.Is(err, ledger.ErrInsufficientHoldings) {
		t.Fatalf("expected ErrInsufficientHoldings, got %v", err)
	}

	snapshot, err := ledgers.GetLedger("user1")
	if err != nil {
		t.Fatalf("GetLedger failed: %v", err)
	}
	if !snapshot.Holdings["X"].Equal(d(1)) {
		t.Errorf("expected holding unchanged at 1, got %s", snapshot.Holdings["X"])
	}
	if len(snapshot.Fiat) != 0 {
		t.Errorf("expected no fiat credit after rejection, got %v", snapshot.Fiat)
	}
}

func TestExecuteTradeValidation(t *testing.T) {
	svc, _ := newTestEnv(t)

	cases := []struct {
		name string
		req  trading.ExecuteTradeRequest
	}{
		{"missing symbol", trading.ExecuteTradeRequest{Side: "BUY", Quantity: d(1), UnitPrice: d(1)}},
		{"bad side", trading.ExecuteTradeRequest{Symbol: "X", Side: "HOLD", Quantity: d(1), UnitPrice: d(1)}},
		{"zero quantity", trading.ExecuteTradeRequest{Symbol: "X", Side: "BUY", UnitPrice: d(1)}},
		{"negative quantity", trading.ExecuteTradeRequest{Symbol: "X", Side: "BUY", Quantity: d(-1), UnitPrice: d(1)}},
		{"zero price", trading.ExecuteTradeRequest{Symbol: "X", Side: "BUY", Quantity: d(1)}},
		{"unsupported currency", trading.ExecuteTradeRequest{Symbol: "X", Side: "BUY", Quantity: d(1), UnitPrice: d(1), Currency: "XYZ"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.ExecuteTrade("user1", tc.req, "key"); !errors.Is(err, trading.ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestExecuteTradeIdempotency(t *testing.T) {
	svc, ledgers := newTestEnv(t)
	fundFiat(t, ledgers, "user1", d(100))

	req := trading.ExecuteTradeRequest{
		Symbol:    "X",
		Side:      "BUY",
		Quantity:  d(1),
		UnitPrice: d(40),
	}

	first, err := svc.ExecuteTrade("user1", req, "same-key")
	if err != nil {
		t.Fatalf("first execution failed: %v", err)
	}

	// Replaying the same key returns the original record without touching
	// the ledger again.
	second, err := svc.ExecuteTrade("user1", req, "same-key")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if first.Trade.TradeRecordID != second.Trade.TradeRecordID {
		t.Errorf("expected same trade record, got %s and %s",
			first.Trade.TradeRecordID, second.Trade.TradeRecordID)
	}
	if !second.Ledger.Fiat["USD"].Equal(d(60)) {
		t.Errorf("expected fiat still 60 after replay, got %s", second.Ledger.Fiat["USD"])
	}

	trades, err := svc.GetTrades("user1")
	if err != nil {
		t.Fatalf("GetTrades failed: %v", err)
	}
	if len(trades) != 1 {
		t.Errorf("expected exactly one trade record, got %d", len(trades))
	}
}

func TestExecuteTradeExpiredIdempotencyKey(t *testing.T) {
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	ledgers := ledger.NewService(db)
	svc := trading.NewService(db, ledgers.Store())
	fundFiat(t, ledgers, "user1", d(100))

	req := trading.ExecuteTradeRequest{
		Symbol:    "X",
		Side:      "BUY",
		Quantity:  d(1),
		UnitPrice: d(40),
	}

	first, err := svc.ExecuteTrade("user1", req, "reused-key")
	if err != nil {
		t.Fatalf("first execution failed: %v", err)
	}

	// Age the record past its expiry without purging it: the key reuse must
	// execute fresh instead of tripping the unique index.
	err = db.Model(&trading.IdempotencyRecord{}).
		Where("idempotency_key = ?", "reused-key").
		Update("expires_at", time.Now().Add(-time.Hour)).Error
	if err != nil {
		t.Fatalf("failed to expire record: %v", err)
	}

	second, err := svc.ExecuteTrade("user1", req, "reused-key")
	if err != nil {
		t.Fatalf("reuse after expiry failed: %v", err)
	}
	if first.Trade.TradeRecordID == second.Trade.TradeRecordID {
		t.Error("expected a fresh execution, got the expired record's trade")
	}
	if !second.Ledger.Fiat["USD"].Equal(d(20)) {
		t.Errorf("expected fiat 20 after two executions, got %s", second.Ledger.Fiat["USD"])
	}

	trades, err := svc.GetTrades("user1")
	if err != nil {
		t.Fatalf("GetTrades failed: %v", err)
	}
	if len(trades) != 2 {
		t.Errorf("expected 2 trade records, got %d", len(trades))
	}
}

func TestConcurrentTradesNeverOverspend(t *testing.T) {
	svc, ledgers := newTestEnv(t)
	fundFiat(t, ledgers, "user1", d(100))

	// Five concurrent buys of cost 40 against a balance of 100: at most two
	// can commit, and the balance must never go negative.
	const workers = 5
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.ExecuteTrade("user1", trading.ExecuteTradeRequest{
				Symbol:    "X",
				Side:      "BUY",
				Quantity:  d(1),
				UnitPrice: d(40),
			}, "concurrent-key-"+string(rune('a'+n)))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var successes int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ledger.ErrInsufficientFunds),
			errors.Is(err, transaction.ErrContention):
			// Both are legal outcomes under contention.
		default:
			t.Errorf("unexpected failure kind: %v", err)
		}
	}
	if successes > 2 {
		t.Errorf("expected at most 2 successful trades, got %d", successes)
	}

	snapshot, err := ledgers.GetLedger("user1")
	if err != nil {
		t.Fatalf("GetLedger failed: %v", err)
	}
	if snapshot.Fiat["USD"].IsNegative() {
		t.Fatalf("balance went negative: %s", snapshot.Fiat["USD"])
	}
	want := d(100).Sub(d(40).Mul(decimal.NewFromInt(int64(successes))))
	if !snapshot.Fiat["USD"].Equal(want) {
		t.Errorf("expected final balance %s, got %s", want, snapshot.Fiat["USD"])
	}

	trades, err := svc.GetTrades("user1")
	if err != nil {
		t.Fatalf("GetTrades failed: %v", err)
	}
	if len(trades) != successes {
		t.Errorf("expected %d trade records, got %d", successes, len(trades))
	}
}
