package ctrader

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bjoelf/ctrader-adapter/adapter/protocol"
)

const testAccountID = 777

func newTestClient(t *testing.T, mock *MockBrokerServer) *Client {
	t.Helper()

	cfg := Config{
		Environment:          EnvDemo,
		Host:                 mock.Addr(),
		ClientID:             "test_client_id",
		ClientSecret:         "test_client_secret",
		AccountID:            testAccountID,
		AccessToken:          "demo_access_token",
		RequestTimeout:       2 * time.Second,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    100 * time.Millisecond,
		MaxReconnectAttempts: 10,
		Dial:                 mock.Dial(),
		Logger:               slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}

	client := NewClient(cfg, NewMemoryTokenStorage())
	t.Cleanup(func() { client.Disconnect() })
	return client
}

func connectAndAuthenticate(t *testing.T, client *Client) {
	t.Helper()
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := client.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestClientAuthenticateFlow(t *testing.T) {
	mock, err := NewMockBrokerServer()
	if err != nil {
		t.Fatalf("Failed to start mock broker: %v", err)
	}
	defer mock.Close()

	client := newTestClient(t, mock)
	connectAndAuthenticate(t, client)

	if !client.IsAuthenticated() {
		t.Error("Expected IsAuthenticated true after handshake")
	}
	if client.State() != StateAuthenticated {
		t.Errorf("Expected authenticated state, got %s", client.State())
	}
	if mock.AppAuthCount() != 1 {
		t.Errorf("Expected exactly one application auth, got %d", mock.AppAuthCount())
	}
}

func TestClientAuthenticateWithoutConnect(t *testing.T) {
	mock, err := NewMockBrokerServer()
	if err != nil {
		t.Fatalf("Failed to start mock broker: %v", err)
	}
	defer mock.Close()

	client := newTestClient(t, mock)
	if err := client.Authenticate(context.Background()); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Expected ErrDisconnected, got %v", err)
	}
}

func TestSubscribeAndGetPrice(t *testing.T) {
	mock, err := NewMockBrokerServer()
	if err != nil {
		t.Fatalf("Failed to start mock broker: %v", err)
	}
	defer mock.Close()

	client := newTestClient(t, mock)
	connectAndAuthenticate(t, client)

	ctx := context.Background()
	if err := client.SubscribeToSymbol(ctx, 41); err != nil {
		t.Fatalf("SubscribeToSymbol failed: %v", err)
	}

	// Push a quote: 1.92345 / 1.92360 in fixed-point units
	if err := mock.PushSpot(41, 192345, 192360); err != nil {
		t.Fatalf("PushSpot failed: %v", err)
	}

	var price Price
	ok := waitFor(t, 2*time.Second, func() bool {
		p, err := client.GetPrice(41)
		if err != nil {
			return false
		}
		price = p
		return true
	})
	if !ok {
		t.Fatal("No price arrived within timeout")
	}

	if !price.Bid.Equal(decimal.New(192345, -5)) {
		t.Errorf("Expected bid 1.92345, got %s", price.Bid)
	}
	if !price.Ask.Equal(decimal.New(192360, -5)) {
		t.Errorf("Expected ask 1.92360, got %s", price.Ask)
	}
	if !price.Spread.Equal(decimal.New(15, -5)) {
		t.Errorf("Expected spread 0.00015, got %s", price.Spread)
	}
}

func TestGetPriceOneSidedUpdateKeepsOtherSide(t *testing.T) {
	mock, err := NewMockBrokerServer()
	if err != nil {
		t.Fatalf("Failed to start mock broker: %v", err)
	}
	defer mock.Close()

	client := newTestClient(t, mock)
	connectAndAuthenticate(t, client)

	ctx := context.Background()
	if err := client.SubscribeToSymbol(ctx, 41); err != nil {
		t.Fatalf("SubscribeToSymbol failed: %v", err)
	}

	mock.PushSpot(41, 192345, 192360)
	waitFor(t, 2*time.Second, func() bool {
		_, err := client.GetPrice(41)
		return err == nil
	})

	// Bid-only update
	mock.PushSpot(41, 192350, 0)
	waitFor(t, 2*time.Second, func() bool {
		p, err := client.GetPrice(41)
		return err == nil && p.Bid.Equal(decimal.New(192350, -5))
	})

	price, err := client.GetPrice(41)
	if err != nil {
		t.Fatalf("GetPrice failed: %v", err)
	}
	if !price.Ask.Equal(decimal.New(192360, -5)) {
		t.Errorf("Expected previous ask retained, got %s", price.Ask)
	}
}

func TestGetPriceErrors(t *testing.T) {
	mock, err := NewMockBrokerServer()
	if err != nil {
		t.Fatalf("Failed to start mock broker: %v", err)
	}
	defer mock.Close()

	client := newTestClient(t, mock)

	// Not connected at all
	if _, err := client.GetPrice(41); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Expected ErrDisconnected before connect, got %v", err)
	}

	connectAndAuthenticate(t, client)
	if err := client.SubscribeToSymbol(context.Background(), 41); err != nil {
		t.Fatalf("SubscribeToSymbol failed: %v", err)
	}

	// Subscribed but no quote pushed yet
	if _, err := client.GetPrice(41); !errors.Is(err, ErrNoPrice) {
		t.Errorf("Expected ErrNoPrice before first push, got %v", err)
	}
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	mock, err := NewMockBrokerServer()
	if err != nil {
		t.Fatalf("Failed to start mock broker: %v", err)
	}
	defer mock.Close()

	client := newTestClient(t, mock)
	connectAndAuthenticate(t, client)

	ctx := context.Background()
	if err := client.SubscribeToSymbol(ctx, 41); err != nil {
		t.Fatalf("SubscribeToSymbol failed: %v", err)
	}
	if err := client.SubscribeToSymbol(ctx, 1); err != nil {
		t.Fatalf("SubscribeToSymbol failed: %v", err)
	}

	// Sever the connection; the supervisor must rebuild and replay
	mock.DropConnections()

	if !mock.WaitForSubscribeCount(3, 5*time.Second) {
		t.Fatal("Replay subscription never arrived")
	}
	if !waitFor(t, 5*time.Second, client.IsAuthenticated) {
		t.Fatal("Client did not return to authenticated state")
	}

	reqs := mock.SubscribeRequests()
	replay := reqs[len(reqs)-1]
	if len(replay.SymbolIDs) != 2 || replay.SymbolIDs[0] != 1 || replay.SymbolIDs[1] != 41 {
		t.Errorf("Expected replay of symbols [1 41], got %v", replay.SymbolIDs)
	}
	if mock.AppAuthCount() != 2 {
		t.Errorf("Expected one re-authentication, got %d total app auths", mock.AppAuthCount())
	}
}

func TestRepeatedAuthFailureIsTerminal(t *testing.T) {
	mock, err := NewMockBrokerServer()
	if err != nil {
		t.Fatalf("Failed to start mock broker: %v", err)
	}
	defer mock.Close()

	client := newTestClient(t, mock)
	connectAndAuthenticate(t, client)

	// From now on the broker rejects the account credentials
	mock.SetAccountAuthError("CH_ACCESS_TOKEN_INVALID", "access token revoked")
	baseline := mock.AppAuthCount()
	mock.DropConnections()

	if !waitFor(t, 10*time.Second, func() bool { return client.State() == StateFailed }) {
		t.Fatalf("Expected terminal failed state, got %s", client.State())
	}

	attempts := mock.AppAuthCount() - baseline
	if attempts != maxAuthFailures {
		t.Errorf("Expected %d handshake attempts before giving up, got %d", maxAuthFailures, attempts)
	}

	// Terminal state sticks; no further dials happen
	time.Sleep(200 * time.Millisecond)
	if got := mock.AppAuthCount() - baseline; got != attempts {
		t.Errorf("Expected no further attempts after terminal state, got %d", got)
	}
}

func TestPlaceOrderFill(t *testing.T) {
	mock, err := NewMockBrokerServer()
	if err != nil {
		t.Fatalf("Failed to start mock broker: %v", err)
	}
	defer mock.Close()

	client := newTestClient(t, mock)
	connectAndAuthenticate(t, client)

	report, err := client.PlaceOrder(context.Background(), OrderRequest{
		SymbolID: 41,
		Type:     protocol.OrderTypeMarket,
		Side:     protocol.TradeSideBuy,
		Volume:   100,
		Label:    "bot-entry",
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	if report.Type != protocol.ExecutionOrderFilled {
		t.Errorf("Expected filled execution, got %s", report.Type)
	}
	if report.OrderID == 0 || report.PositionID == 0 {
		t.Errorf("Expected order and position IDs, got %+v", report)
	}

	// The fill must land in the position cache via the reader path
	ok := waitFor(t, 2*time.Second, func() bool {
		return len(client.OpenPositions()) == 1
	})
	if !ok {
		t.Fatalf("Expected one cached position, got %d", len(client.OpenPositions()))
	}
}

func TestClosePositionRemovesFromCache(t *testing.T) {
	mock, err := NewMockBrokerServer()
	if err != nil {
		t.Fatalf("Failed to start mock broker: %v", err)
	}
	defer mock.Close()

	client := newTestClient(t, mock)
	connectAndAuthenticate(t, client)

	ctx := context.Background()
	report, err := client.PlaceOrder(ctx, OrderRequest{
		SymbolID: 41,
		Type:     protocol.OrderTypeMarket,
		Side:     protocol.TradeSideSell,
		Volume:   100,
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(client.OpenPositions()) == 1 })

	if _, err := client.ClosePosition(ctx, report.PositionID, 100); err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}

	ok := waitFor(t, 2*time.Second, func() bool {
		return len(client.OpenPositions()) == 0
	})
	if !ok {
		t.Errorf("Expected empty position cache after close, got %d", len(client.OpenPositions()))
	}
}

func TestReconcilePositions(t *testing.T) {
	mock, err := NewMockBrokerServer()
	if err != nil {
		t.Fatalf("Failed to start mock broker: %v", err)
	}
	defer mock.Close()

	mock.SetPositions([]protocol.PositionInfo{
		{PositionID: 9001, SymbolID: 41, Volume: 100, TradeSide: protocol.TradeSideBuy, EntryPrice: 1920.5},
		{PositionID: 9002, SymbolID: 1, Volume: 200, TradeSide: protocol.TradeSideSell, EntryPrice: 1.0845},
	})

	client := newTestClient(t, mock)
	connectAndAuthenticate(t, client)

	positions, err := client.ReconcilePositions(context.Background())
	if err != nil {
		t.Fatalf("ReconcilePositions failed: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("Expected 2 positions, got %d", len(positions))
	}

	cached := client.OpenPositions()
	if len(cached) != 2 || cached[0].ID != 9001 || cached[1].ID != 9002 {
		t.Errorf("Position cache mismatch: %+v", cached)
	}
}

func TestSymbolDirectoryAndMeta(t *testing.T) {
	mock, err := NewMockBrokerServer()
	if err != nil {
		t.Fatalf("Failed to start mock broker: %v", err)
	}
	defer mock.Close()

	mock.SetSymbols([]protocol.LightSymbol{
		{SymbolID: 41, SymbolName: "XAUUSD"},
		{SymbolID: 1, SymbolName: "EURUSD"},
	})
	mock.SetSymbolDetails(protocol.SymbolDetails{
		SymbolID:    41,
		Digits:      2,
		PipPosition: 1,
		LotSize:     10000,
		MinVolume:   1,
		MaxVolume:   100000,
	})

	client := newTestClient(t, mock)
	connectAndAuthenticate(t, client)

	ctx := context.Background()
	id, err := client.GetSymbolID(ctx, "xauusd")
	if err != nil {
		t.Fatalf("GetSymbolID failed: %v", err)
	}
	if id != 41 {
		t.Errorf("Expected symbol id 41, got %d", id)
	}

	// Cached lookup, no second directory fetch needed
	if _, err := client.GetSymbolID(ctx, "EURUSD"); err != nil {
		t.Errorf("Cached symbol lookup failed: %v", err)
	}

	meta, err := client.GetSymbolMeta(ctx, 41)
	if err != nil {
		t.Fatalf("GetSymbolMeta failed: %v", err)
	}
	if meta.Digits != 2 || meta.LotSize != 10000 {
		t.Errorf("Symbol meta mismatch: %+v", meta)
	}

	if _, err := client.GetSymbolID(ctx, "NOSUCH"); err == nil {
		t.Error("Expected error for unknown symbol")
	}
}

func TestGetTrader(t *testing.T) {
	mock, err := NewMockBrokerServer()
	if err != nil {
		t.Fatalf("Failed to start mock broker: %v", err)
	}
	defer mock.Close()

	mock.SetTrader(protocol.TraderInfo{
		Login:           123456,
		Balance:         1050042,
		Leverage:        30,
		DepositCurrency: "EUR",
	})

	client := newTestClient(t, mock)
	connectAndAuthenticate(t, client)

	trader, err := client.GetTrader(context.Background())
	if err != nil {
		t.Fatalf("GetTrader failed: %v", err)
	}
	if !trader.Balance.Equal(decimal.New(1050042, -2)) {
		t.Errorf("Expected balance 10500.42, got %s", trader.Balance)
	}
	if trader.DepositCurrency != "EUR" {
		t.Errorf("Expected EUR deposit currency, got %s", trader.DepositCurrency)
	}
}

func TestVerifyCredentials(t *testing.T) {
	mock, err := NewMockBrokerServer()
	if err != nil {
		t.Fatalf("Failed to start mock broker: %v", err)
	}
	defer mock.Close()

	client := newTestClient(t, mock)

	if err := client.VerifyCredentials(context.Background()); err != nil {
		t.Fatalf("VerifyCredentials failed: %v", err)
	}

	mock.SetAppAuthError("CH_CLIENT_AUTH_FAILURE", "unknown client")
	err = client.VerifyCredentials(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected AuthError, got %v", err)
	}
	if authErr.Code != "CH_CLIENT_AUTH_FAILURE" {
		t.Errorf("Expected broker error code, got %q", authErr.Code)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	mock, err := NewMockBrokerServer()
	if err != nil {
		t.Fatalf("Failed to start mock broker: %v", err)
	}
	defer mock.Close()

	client := newTestClient(t, mock)
	connectAndAuthenticate(t, client)

	if err := client.Disconnect(); err != nil {
		t.Errorf("First Disconnect failed: %v", err)
	}
	if err := client.Disconnect(); err != nil {
		t.Errorf("Second Disconnect failed: %v", err)
	}

	if client.State() != StateDisconnected {
		t.Errorf("Expected disconnected state, got %s", client.State())
	}
	if client.IsAuthenticated() {
		t.Error("Expected IsAuthenticated false after disconnect")
	}
}

func TestUnsubscribeDropsPrice(t *testing.T) {
	mock, err := NewMockBrokerServer()
	if err != nil {
		t.Fatalf("Failed to start mock broker: %v", err)
	}
	defer mock.Close()

	client := newTestClient(t, mock)
	connectAndAuthenticate(t, client)

	ctx := context.Background()
	if err := client.SubscribeToSymbol(ctx, 41); err != nil {
		t.Fatalf("SubscribeToSymbol failed: %v", err)
	}
	mock.PushSpot(41, 192345, 192360)
	waitFor(t, 2*time.Second, func() bool {
		_, err := client.GetPrice(41)
		return err == nil
	})

	if err := client.UnsubscribeFromSymbol(ctx, 41); err != nil {
		t.Fatalf("UnsubscribeFromSymbol failed: %v", err)
	}
	if _, err := client.GetPrice(41); !errors.Is(err, ErrNoPrice) {
		t.Errorf("Expected ErrNoPrice after unsubscribe, got %v", err)
	}
}

func TestSyncWaitHonorsWaitWindow(t *testing.T) {
	server, conn := net.Pipe()
	defer server.Close()

	// The session read timeout is far larger than the wait budget; the wait
	// must still return when its own window runs out.
	sess := &session{
		conn:        conn,
		readTimeout: 30 * time.Second,
		closed:      make(chan struct{}),
	}
	defer sess.close()

	client := NewClient(DefaultConfig(), nil)
	wait := client.syncWait(sess)

	start := time.Now()
	_, err := wait(context.Background(), protocol.PayloadVersionRes, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout from a silent peer, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Wait overran its window: %v", elapsed)
	}
}

func TestAuthRejectionsOnRequestsAreTerminal(t *testing.T) {
	mock, err := NewMockBrokerServer()
	if err != nil {
		t.Fatalf("Failed to start mock broker: %v", err)
	}
	defer mock.Close()

	client := newTestClient(t, mock)
	connectAndAuthenticate(t, client)

	// The broker starts rejecting the session token on ordinary requests.
	mock.SetTraderError("CH_ACCESS_TOKEN_INVALID", "token revoked")

	ctx := context.Background()
	for i := 0; i < maxAuthFailures; i++ {
		var apiErr *APIError
		if _, err := client.GetTrader(ctx); !errors.As(err, &apiErr) {
			t.Fatalf("Expected APIError from GetTrader, got %v", err)
		}
	}
	if n := client.authFailures.Load(); n != maxAuthFailures {
		t.Fatalf("Expected %d consecutive auth failures recorded, got %d", maxAuthFailures, n)
	}

	// When the session then drops, reconnecting with the same rejected
	// credentials would be pointless.
	mock.DropConnections()

	if !waitFor(t, 5*time.Second, func() bool {
		return client.State() == StateFailed
	}) {
		t.Fatalf("Expected terminal state after drop, got %s", client.State())
	}
	if mock.AppAuthCount() != 1 {
		t.Errorf("Expected no reconnect attempts, got %d application auths", mock.AppAuthCount())
	}
}

// writeFailConn fails writes on demand while leaving reads working, so the
// heartbeat sender hits a dead socket before the reader does.
type writeFailConn struct {
	net.Conn
	fail *atomic.Bool
}

func (c *writeFailConn) Write(b []byte) (int, error) {
	if c.fail.Load() {
		return 0, errors.New("broken pipe")
	}
	return c.Conn.Write(b)
}

func TestHeartbeatWriteFailureTriggersReconnect(t *testing.T) {
	mock, err := NewMockBrokerServer()
	if err != nil {
		t.Fatalf("Failed to start mock broker: %v", err)
	}
	defer mock.Close()

	var failWrites atomic.Bool
	var wrapped atomic.Bool
	baseDial := mock.Dial()

	cfg := Config{
		Environment:          EnvDemo,
		Host:                 mock.Addr(),
		ClientID:             "test_client_id",
		ClientSecret:         "test_client_secret",
		AccountID:            testAccountID,
		AccessToken:          "demo_access_token",
		RequestTimeout:       2 * time.Second,
		HeartbeatPeriod:      20 * time.Millisecond,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    100 * time.Millisecond,
		MaxReconnectAttempts: 10,
		Logger:               slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}
	// Only the first connection gets the failing writer; the replacement
	// session dialed by the reconnect must come up clean.
	cfg.Dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		conn, err := baseDial(network, addr, timeout)
		if err != nil {
			return nil, err
		}
		if wrapped.CompareAndSwap(false, true) {
			return &writeFailConn{Conn: conn, fail: &failWrites}, nil
		}
		return conn, nil
	}

	client := NewClient(cfg, NewMemoryTokenStorage())
	t.Cleanup(func() { client.Disconnect() })
	connectAndAuthenticate(t, client)

	failWrites.Store(true)

	if !waitFor(t, 5*time.Second, func() bool {
		return mock.AppAuthCount() == 2 && client.IsAuthenticated()
	}) {
		t.Fatalf("Expected a re-authenticated session after heartbeat write failure, appAuth=%d state=%s",
			mock.AppAuthCount(), client.State())
	}
}
