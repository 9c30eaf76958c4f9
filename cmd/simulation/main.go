package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/escrow-api/internal/auth"
	"github.com/ksred/escrow-api/internal/config"
)

const (
	numUsers       = 8
	numTradeRounds = 30
	numEscrowDeals = 12
	numWorkers     = 4
	serverAddress  = "http://localhost:8080"
)

var (
	symbols = []string{"BTC", "ETH", "USDT", "LTC", "XRP"}
	sides   = []string{"BUY", "SELL"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
	mu         sync.Mutex
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// addFailure records a failed call for the route
func (rs *routeStats) addFailure() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.failures++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the escrow ledger API.
// Per-user tokens are minted locally with the shared JWT secret so the
// simulation can act as distinct buyers and sellers.
type simulationClient struct {
	baseURL string
	client  *http.Client
	tokens  map[string]string // map[userID]JWT
	stats   map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It mints a token per simulated user and prepares performance tracking
func newSimulationClient(userIDs []string) (*simulationClient, error) {
	cfg := config.Load()

	sc := &simulationClient{
		baseURL: serverAddress,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		tokens: make(map[string]string),
		stats: map[string]*routeStats{
			"deposit": {name: "Deposit"},
			"trade":   {name: "Execute Trade"},
			"ledger":  {name: "Get Ledger"},
			"create":  {name: "Create Escrow Trade"},
			"confirm": {name: "Confirm Payment"},
			"release": {name: "Release Funds"},
		},
	}

	// The JWT middleware only verifies the signature, so tokens signed with
	// the same secret act as any user identity.
	authService := auth.NewService(cfg.JWTSecret)
	for _, userID := range userIDs {
		authService.RegisterAPICredentials(userID, "sim-secret")
		token, err := authService.GenerateToken(auth.Credentials{
			APIKey:    userID,
			APISecret: "sim-secret",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to mint token for %s: %w", userID, err)
		}
		sc.tokens[userID] = token.Token
	}

	return sc, nil
}

// doJSON performs an authenticated request and decodes the standard
// response envelope.
func (sc *simulationClient) doJSON(userID, method, path string, payload interface{}, headers map[string]string) (json.RawMessage, int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+sc.tokens[userID])
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, resp.StatusCode, err
	}
	if !envelope.Success {
		msg := "unknown error"
		if envelope.Error != nil {
			msg = fmt.Sprintf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		}
		return nil, resp.StatusCode, fmt.Errorf("%s", msg)
	}
	return envelope.Data, resp.StatusCode, nil
}

// deposit funds a user's ledger through the internal surface
func (sc *simulationClient) deposit(actorID, userID string, payload map[string]interface{}) error {
	start := time.Now()
	defer func() {
		sc.stats["deposit"].addDuration(time.Since(start))
	}()

	_, _, err := sc.doJSON(actorID, "POST", "/api/v1/internal/ledger/"+userID+"/deposit", payload, nil)
	if err != nil {
		sc.stats["deposit"].addFailure()
	}
	return err
}

// executeTrade submits a direct trade for the user
func (sc *simulationClient) executeTrade(userID, symbol, side string, qty, price decimal.Decimal) error {
	start := time.Now()
	defer func() {
		sc.stats["trade"].addDuration(time.Since(start))
	}()

	payload := map[string]interface{}{
		"symbol":     symbol,
		"side":       side,
		"quantity":   qty,
		"unit_price": price,
	}
	headers := map[string]string{"Idempotency-Key": fmt.Sprintf("sim-%d", rand.Int63())}

	_, _, err := sc.doJSON(userID, "POST", "/api/v1/trades", payload, headers)
	if err != nil {
		sc.stats["trade"].addFailure()
	}
	return err
}

// getLedger fetches the user's ledger snapshot
func (sc *simulationClient) getLedger(userID string) error {
	start := time.Now()
	defer func() {
		sc.stats["ledger"].addDuration(time.Since(start))
	}()

	_, _, err := sc.doJSON(userID, "GET", "/api/v1/ledger", nil, nil)
	if err != nil {
		sc.stats["ledger"].addFailure()
	}
	return err
}

// createEscrowTrade creates a P2P trade through the internal surface
// Returns the trade ID on success
func (sc *simulationClient) createEscrowTrade(actorID, buyerID, sellerID, symbol string, qty decimal.Decimal) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["create"].addDuration(time.Since(start))
	}()

	payload := map[string]interface{}{
		"buyer_id":  buyerID,
		"seller_id": sellerID,
		"symbol":    symbol,
		"quantity":  qty,
	}
	data, _, err := sc.doJSON(actorID, "POST", "/api/v1/internal/escrow", payload, nil)
	if err != nil {
		sc.stats["create"].addFailure()
		return "", err
	}

	var trade struct {
		TradeID string `json:"trade_id"`
	}
	if err := json.Unmarshal(data, &trade); err != nil {
		return "", err
	}
	return trade.TradeID, nil
}

// confirmPayment performs the buyer transition
func (sc *simulationClient) confirmPayment(callerID, tradeID string) error {
	start := time.Now()
	defer func() {
		sc.stats["confirm"].addDuration(time.Since(start))
	}()

	_, _, err := sc.doJSON(callerID, "POST", "/api/v1/escrow/"+tradeID+"/confirm-payment", nil, nil)
	if err != nil {
		sc.stats["confirm"].addFailure()
	}
	return err
}

// releaseFunds performs the seller settlement transition
func (sc *simulationClient) releaseFunds(callerID, tradeID string) error {
	start := time.Now()
	defer func() {
		sc.stats["release"].addDuration(time.Since(start))
	}()

	_, _, err := sc.doJSON(callerID, "POST", "/api/v1/escrow/"+tradeID+"/release-funds", nil, nil)
	if err != nil {
		sc.stats["release"].addFailure()
	}
	return err
}

// printStats outputs the collected performance statistics per route
func (sc *simulationClient) printStats() {
	fmt.Println("\n=== Simulation Statistics ===")
	for _, stats := range sc.stats {
		if stats.totalCalls == 0 {
			continue
		}
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("\n%s (%d calls, %d failures):\n", stats.name, stats.totalCalls, stats.failures)
		fmt.Printf("  min:    %v\n", min)
		fmt.Printf("  max:    %v\n", max)
		fmt.Printf("  mean:   %v\n", mean)
		fmt.Printf("  median: %v\n", median)
		fmt.Printf("  p95:    %v\n", p95)
		fmt.Printf("  p99:    %v\n", p99)
	}
}

// main runs the full simulation: funding, direct trades, and complete
// escrow settlement flows including deliberate rejections
func main() {
	userIDs := make([]string, numUsers)
	for i := range userIDs {
		userIDs[i] = fmt.Sprintf("sim-user-%d", i+1)
	}

	sc, err := newSimulationClient(userIDs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize simulation client")
	}

	// Phase 1: fund every user with fiat and a starting position
	log.Info().Int("users", numUsers).Msg("funding ledgers")
	for _, userID := range userIDs {
		if err := sc.deposit(userID, userID, map[string]interface{}{
			"currency": "USD",
			"amount":   decimal.NewFromInt(10000),
		}); err != nil {
			log.Fatal().Err(err).Str("user_id", userID).Msg("fiat deposit failed")
		}
		if err := sc.deposit(userID, userID, map[string]interface{}{
			"asset":  symbols[rand.Intn(len(symbols))],
			"amount": decimal.NewFromInt(int64(5 + rand.Intn(20))),
		}); err != nil {
			log.Fatal().Err(err).Str("user_id", userID).Msg("asset deposit failed")
		}
	}

	// Phase 2: concurrent direct trades; rejections for insufficient
	// balance are expected and counted, not fatal
	log.Info().Int("rounds", numTradeRounds).Msg("running direct trades")
	var wg sync.WaitGroup
	work := make(chan string, numTradeRounds)
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for userID := range work {
				symbol := symbols[rand.Intn(len(symbols))]
				side := sides[rand.Intn(len(sides))]
				qty := decimal.NewFromInt(int64(1 + rand.Intn(5)))
				price := decimal.NewFromInt(int64(10 + rand.Intn(90)))
				if err := sc.executeTrade(userID, symbol, side, qty, price); err != nil {
					log.Debug().Err(err).Str("user_id", userID).Msg("trade rejected")
				}
			}
		}()
	}
	for i := 0; i < numTradeRounds; i++ {
		work <- userIDs[rand.Intn(len(userIDs))]
	}
	close(work)
	wg.Wait()

	// Phase 3: full escrow settlement flows
	log.Info().Int("deals", numEscrowDeals).Msg("running escrow settlements")
	var settled, rejected int
	for i := 0; i < numEscrowDeals; i++ {
		buyer := userIDs[rand.Intn(len(userIDs))]
		seller := userIDs[rand.Intn(len(userIDs))]
		if buyer == seller {
			continue
		}
		symbol := symbols[rand.Intn(len(symbols))]
		qty := decimal.NewFromInt(int64(1 + rand.Intn(3)))

		// Make sure the seller can actually deliver.
		if err := sc.deposit(seller, seller, map[string]interface{}{
			"asset":  symbol,
			"amount": qty,
		}); err != nil {
			log.Fatal().Err(err).Msg("seller funding failed")
		}

		tradeID, err := sc.createEscrowTrade(buyer, buyer, seller, symbol, qty)
		if err != nil {
			log.Fatal().Err(err).Msg("escrow trade creation failed")
		}

		// Exercise the permission guard: the seller must not be able to
		// confirm payment.
		if err := sc.confirmPayment(seller, tradeID); err == nil {
			log.Fatal().Str("trade_id", tradeID).Msg("seller was allowed to confirm payment")
		}
		rejected++

		if err := sc.confirmPayment(buyer, tradeID); err != nil {
			log.Fatal().Err(err).Str("trade_id", tradeID).Msg("buyer confirmation failed")
		}
		if err := sc.releaseFunds(seller, tradeID); err != nil {
			log.Fatal().Err(err).Str("trade_id", tradeID).Msg("settlement failed")
		}
		settled++

		// Exercise the double-settlement guard: the replay must fail.
		if err := sc.releaseFunds(seller, tradeID); err == nil {
			log.Fatal().Str("trade_id", tradeID).Msg("settlement was applied twice")
		}
		rejected++
	}

	// Phase 4: final ledger reads
	for _, userID := range userIDs {
		if err := sc.getLedger(userID); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("ledger read failed")
		}
	}

	log.Info().
		Int("settled", settled).
		Int("expected_rejections", rejected).
		Msg("simulation complete")

	sc.printStats()
}
