package ledger_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/escrow-api/internal/database"
	"github.com/ksred/escrow-api/internal/ledger"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestService opens a fresh sqlite database in a temp dir and runs the
// full migration set.
func newTestService(t *testing.T) (*ledger.Service, *gorm.DB) {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return ledger.NewService(db), db
}

func TestGetLedgerCreatesImplicitly(t *testing.T) {
	svc, _ := newTestService(t)

	snapshot, err := svc.GetLedger("user1")
	if err != nil {
		t.Fatalf("GetLedger failed: %v", err)
	}
	if snapshot.UserID != "user1" {
		t.Errorf("expected user1, got %s", snapshot.UserID)
	}
	if len(snapshot.Fiat) != 0 || len(snapshot.Holdings) != 0 {
		t.Errorf("expected all-zero ledger, got fiat=%v holdings=%v", snapshot.Fiat, snapshot.Holdings)
	}
}

func TestSnapshotUnknownUser(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Store().Snapshot("ghost")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAdjustFiat(t *testing.T) {
	svc, db := newTestService(t)
	store := svc.Store()

	if _, err := svc.Deposit("user1", ledger.DepositRequest{Currency: "USD", Amount: d(100)}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		balance, err := store.AdjustFiatTx(tx, "user1", "USD", d(-30))
		if err != nil {
			return err
		}
		if !balance.Equal(d(70)) {
			t.Errorf("expected balance 70, got %s", balance)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("debit failed: %v", err)
	}

	// A debit past zero must fail before any write.
	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := store.AdjustFiatTx(tx, "user1", "USD", d(-100))
		return err
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	snapshot, err := store.Snapshot("user1")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if !snapshot.Fiat["USD"].Equal(d(70)) {
		t.Errorf("expected balance unchanged at 70, got %s", snapshot.Fiat["USD"])
	}
}

func TestAdjustFiatMissingBucketDebit(t *testing.T) {
	svc, db := newTestService(t)
	store := svc.Store()

	if _, err := svc.GetLedger("user1"); err != nil {
		t.Fatalf("GetLedger failed: %v", err)
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := store.AdjustFiatTx(tx, "user1", "VES", d(-1))
		return err
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds for empty bucket, got %v", err)
	}
}

func TestAdjustHoldingSparseRepresentation(t *testing.T) {
	svc, db := newTestService(t)
	store := svc.Store()

	if _, err := svc.Deposit("user1", ledger.DepositRequest{Asset: "BTC", Amount: d(5)}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// Driving a holding to exactly zero removes the key.
	err := db.Transaction(func(tx *gorm.DB) error {
		qty, err := store.AdjustHoldingTx(tx, "user1", "BTC", d(-5))
		if err != nil {
			return err
		}
		if !qty.IsZero() {
			t.Errorf("expected quantity 0, got %s", qty)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("debit to zero failed: %v", err)
	}

	snapshot, err := store.Snapshot("user1")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if _, exists := snapshot.Holdings["BTC"]; exists {
		t.Errorf("expected BTC key removed at zero, got %v", snapshot.Holdings)
	}

	// An absent key reads as zero, so any debit fails.
	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := store.AdjustHoldingTx(tx, "user1", "BTC", d(-1))
		return err
	})
	if !errors.Is(err, ledger.ErrInsufficientHoldings) {
		t.Fatalf("expected ErrInsufficientHoldings, got %v", err)
	}

	// The asset can be re-credited after removal.
	err = db.Transaction(func(tx *gorm.DB) error {
		qty, err := store.AdjustHoldingTx(tx, "user1", "BTC", d(2))
		if err != nil {
			return err
		}
		if !qty.Equal(d(2)) {
			t.Errorf("expected quantity 2, got %s", qty)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("re-credit failed: %v", err)
	}
}

func TestAdjustHoldingNeverNegative(t *testing.T) {
	svc, db := newTestService(t)
	store := svc.Store()

	if _, err := svc.Deposit("user1", ledger.DepositRequest{Asset: "ETH", Amount: d(3)}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := store.AdjustHoldingTx(tx, "user1", "ETH", d(-3.5))
		return err
	})
	if !errors.Is(err, ledger.ErrInsufficientHoldings) {
		t.Fatalf("expected ErrInsufficientHoldings, got %v", err)
	}

	snapshot, err := store.Snapshot("user1")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if !snapshot.Holdings["ETH"].Equal(d(3)) {
		t.Errorf("expected holding unchanged at 3, got %s", snapshot.Holdings["ETH"])
	}
}

func TestDepositValidation(t *testing.T) {
	svc, _ := newTestService(t)

	cases := []struct {
		name string
		req  ledger.DepositRequest
	}{
		{"neither currency nor asset", ledger.DepositRequest{Amount: d(10)}},
		{"both currency and asset", ledger.DepositRequest{Currency: "USD", Asset: "BTC", Amount: d(10)}},
		{"zero amount", ledger.DepositRequest{Currency: "USD"}},
		{"negative amount", ledger.DepositRequest{Currency: "USD", Amount: d(-5)}},
		{"unsupported currency", ledger.DepositRequest{Currency: "GBP", Amount: d(10)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Deposit("user1", tc.req); !errors.Is(err, ledger.ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestAtomicityAcrossLegs(t *testing.T) {
	svc, db := newTestService(t)
	store := svc.Store()

	if _, err := svc.Deposit("user1", ledger.DepositRequest{Currency: "USD", Amount: d(50)}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// First leg succeeds, second leg fails: the whole unit must roll back.
	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := store.AdjustFiatTx(tx, "user1", "USD", d(-50)); err != nil {
			return err
		}
		_, err := store.AdjustHoldingTx(tx, "user1", "BTC", d(-1))
		return err
	})
	if !errors.Is(err, ledger.ErrInsufficientHoldings) {
		t.Fatalf("expected ErrInsufficientHoldings, got %v", err)
	}

	snapshot, err := store.Snapshot("user1")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if !snapshot.Fiat["USD"].Equal(d(50)) {
		t.Errorf("expected fiat debit rolled back to 50, got %s", snapshot.Fiat["USD"])
	}
}
