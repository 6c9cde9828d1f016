package ctrader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bjoelf/ctrader-adapter/adapter/protocol"
)

// Client is the broker protocol engine: one long-lived connection carrying
// framed protobuf envelopes, with request/response correlation, push
// handling, heartbeats and reconnection with full state replay.
//
// All methods are safe for concurrent use. Requests of the same payload type
// must not overlap; the engine correlates responses by type.
type Client struct {
	cfg    Config
	logger *slog.Logger
	tokens *TokenManager

	corr *correlator

	sessMu sync.RWMutex
	sess   *session

	state        atomic.Int32
	authFailures atomic.Int32
	closed       atomic.Bool
	reconnecting atomic.Bool

	heartbeatOnce sync.Once
	done          chan struct{}

	pricesMu sync.RWMutex
	prices   map[int64]Price

	subsMu sync.Mutex
	subs   map[int64]struct{}

	posMu     sync.Mutex
	positions map[int64]Position

	symMu      sync.RWMutex
	symbolIDs  map[string]int64
	symbolMeta map[int64]SymbolMeta
}

// NewClient builds a client from the config. TokenStorage selects where
// OAuth tokens persist; pass nil for in-memory only.
func NewClient(cfg Config, storage TokenStorage) *Client {
	cfg.applyDefaults()

	c := &Client{
		cfg:        cfg,
		logger:     cfg.Logger,
		corr:       newCorrelator(cfg.Logger),
		done:       make(chan struct{}),
		prices:     make(map[int64]Price),
		subs:       make(map[int64]struct{}),
		positions:  make(map[int64]Position),
		symbolIDs:  make(map[string]int64),
		symbolMeta: make(map[int64]SymbolMeta),
	}
	c.tokens = NewTokenManager(cfg.OAuthConfig(), storage, cfg.Logger)
	c.state.Store(int32(StateDisconnected))
	return c
}

// TokenManager exposes the OAuth lifecycle for authorization flows.
func (c *Client) TokenManager() *TokenManager {
	return c.tokens
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsAuthenticated reports whether the session is fully authenticated and
// ready for trading requests.
func (c *Client) IsAuthenticated() bool {
	return c.State() == StateAuthenticated
}

func (c *Client) setState(s ConnectionState) {
	old := ConnectionState(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Debug("Connection state changed",
			"function", "setState",
			"from", old.String(),
			"to", s.String())
	}
}

func (c *Client) currentSession() *session {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	return c.sess
}

func (c *Client) swapSession(s *session) *session {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	old := c.sess
	c.sess = s
	return old
}

// send writes one request envelope on the current session.
func (c *Client) send(pt protocol.PayloadType, payload []byte) error {
	sess := c.currentSession()
	if sess == nil || sess.isClosed() {
		return ErrDisconnected
	}
	return sess.writeEnvelope(&protocol.Envelope{
		PayloadType: pt,
		Payload:     payload,
		ClientMsgID: uuid.NewString(),
	})
}

// call sends a request and waits for the response type, letting the reader
// loop route it through the correlator.
func (c *Client) call(ctx context.Context, reqPT protocol.PayloadType, payload []byte, resPT protocol.PayloadType) (*protocol.Envelope, error) {
	if err := c.send(reqPT, payload); err != nil {
		return nil, err
	}
	env, err := c.corr.waitFor(ctx, resPT, c.cfg.RequestTimeout)
	if err != nil {
		c.noteAuthFailure(err)
		return nil, err
	}
	return env, nil
}

// noteAuthFailure counts broker auth-class rejections received outside the
// handshake toward the consecutive failure limit, so a session whose token
// was revoked mid-flight goes terminal instead of reconnecting forever.
func (c *Client) noteAuthFailure(err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && isAuthFailureCode(apiErr.Code) {
		n := c.authFailures.Add(1)
		c.logger.Warn("Auth-class rejection on request",
			"function", "noteAuthFailure",
			"code", apiErr.Code,
			"consecutiveFailures", n)
	}
}

// requireAuth gates trading requests on a fully authenticated session.
func (c *Client) requireAuth() error {
	switch c.State() {
	case StateAuthenticated:
		return nil
	case StateDisconnected, StateFailed:
		return ErrDisconnected
	default:
		return fmt.Errorf("session not ready: %s", c.State())
	}
}

// SubscribeToSymbol starts spot price pushes for a symbol. The subscription
// survives reconnects; it is replayed on every new session.
func (c *Client) SubscribeToSymbol(ctx context.Context, symbolID int64) error {
	if err := c.requireAuth(); err != nil {
		return err
	}

	req := protocol.SubscribeSpotsReq{
		AccountID: c.cfg.AccountID,
		SymbolIDs: []int64{symbolID},
	}
	if _, err := c.call(ctx, protocol.PayloadSubscribeSpotsReq, req.Marshal(), protocol.PayloadSubscribeSpotsRes); err != nil {
		return fmt.Errorf("subscribe symbol %d: %w", symbolID, err)
	}

	c.subsMu.Lock()
	c.subs[symbolID] = struct{}{}
	c.subsMu.Unlock()

	c.logger.Info("Subscribed to spot prices",
		"function", "SubscribeToSymbol",
		"symbolID", symbolID)
	return nil
}

// UnsubscribeFromSymbol stops spot pushes and drops the cached price.
func (c *Client) UnsubscribeFromSymbol(ctx context.Context, symbolID int64) error {
	if err := c.requireAuth(); err != nil {
		return err
	}

	req := protocol.UnsubscribeSpotsReq{
		AccountID: c.cfg.AccountID,
		SymbolIDs: []int64{symbolID},
	}
	if _, err := c.call(ctx, protocol.PayloadUnsubscribeSpotsReq, req.Marshal(), protocol.PayloadUnsubscribeSpotsRes); err != nil {
		return fmt.Errorf("unsubscribe symbol %d: %w", symbolID, err)
	}

	c.subsMu.Lock()
	delete(c.subs, symbolID)
	c.subsMu.Unlock()

	c.pricesMu.Lock()
	delete(c.prices, symbolID)
	c.pricesMu.Unlock()

	c.logger.Info("Unsubscribed from spot prices",
		"function", "UnsubscribeFromSymbol",
		"symbolID", symbolID)
	return nil
}

// subscribedSymbols returns the replay set in deterministic order.
func (c *Client) subscribedSymbols() []int64 {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	ids := make([]int64, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// GetPrice returns the latest cached quote for a subscribed symbol.
func (c *Client) GetPrice(symbolID int64) (Price, error) {
	c.pricesMu.RLock()
	price, ok := c.prices[symbolID]
	c.pricesMu.RUnlock()
	if ok {
		return price, nil
	}

	switch c.State() {
	case StateAuthenticated:
		return Price{}, ErrNoPrice
	default:
		return Price{}, ErrDisconnected
	}
}

// applySpot merges a spot push into the price cache. One-sided updates keep
// the other side's previous value.
func (c *Client) applySpot(ev *protocol.SpotEvent) {
	c.pricesMu.Lock()
	defer c.pricesMu.Unlock()

	price := c.prices[ev.SymbolID]
	price.SymbolID = ev.SymbolID
	if ev.HasBid {
		price.Bid = decimal.New(int64(ev.Bid), priceScale)
	}
	if ev.HasAsk {
		price.Ask = decimal.New(int64(ev.Ask), priceScale)
	}
	if !price.Bid.IsZero() && !price.Ask.IsZero() {
		price.Spread = price.Ask.Sub(price.Bid)
	}
	if ev.Timestamp > 0 {
		price.Timestamp = timeFromMillis(ev.Timestamp)
	}
	c.prices[ev.SymbolID] = price
}

// PlaceOrder submits an order and waits for the broker's execution event.
func (c *Client) PlaceOrder(ctx context.Context, order OrderRequest) (*ExecutionReport, error) {
	if err := c.requireAuth(); err != nil {
		return nil, err
	}

	req := protocol.NewOrderReq{
		AccountID:  c.cfg.AccountID,
		SymbolID:   order.SymbolID,
		OrderType:  order.Type,
		TradeSide:  order.Side,
		Volume:     order.Volume,
		LimitPrice: order.LimitPrice.InexactFloat64(),
		StopPrice:  order.StopPrice.InexactFloat64(),
		StopLoss:   order.StopLoss.InexactFloat64(),
		TakeProfit: order.TakeProfit.InexactFloat64(),
		Label:      order.Label,
	}

	c.logger.Info("Placing order",
		"function", "PlaceOrder",
		"symbolID", order.SymbolID,
		"side", order.Side.String(),
		"volume", order.Volume)

	env, err := c.call(ctx, protocol.PayloadNewOrderReq, req.Marshal(), protocol.PayloadExecutionEvent)
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}

	var ev protocol.ExecutionEvent
	if err := ev.Unmarshal(env.Payload); err != nil {
		return nil, &ProtocolError{Detail: "decoding execution event", Err: err}
	}

	report := executionReportFromEvent(&ev)
	c.logger.Info("Order execution received",
		"function", "PlaceOrder",
		"executionType", report.Type.String(),
		"orderID", report.OrderID,
		"positionID", report.PositionID)
	return report, nil
}

// ClosePosition closes volume centilots of a position; pass the position's
// full volume to close it entirely.
func (c *Client) ClosePosition(ctx context.Context, positionID, volume int64) (*ExecutionReport, error) {
	if err := c.requireAuth(); err != nil {
		return nil, err
	}

	req := protocol.ClosePositionReq{
		AccountID:  c.cfg.AccountID,
		PositionID: positionID,
		Volume:     volume,
	}

	env, err := c.call(ctx, protocol.PayloadClosePositionReq, req.Marshal(), protocol.PayloadExecutionEvent)
	if err != nil {
		return nil, fmt.Errorf("close position %d: %w", positionID, err)
	}

	var ev protocol.ExecutionEvent
	if err := ev.Unmarshal(env.Payload); err != nil {
		return nil, &ProtocolError{Detail: "decoding execution event", Err: err}
	}
	return executionReportFromEvent(&ev), nil
}

// applyExecution keeps the position cache in sync with execution pushes.
func (c *Client) applyExecution(ev *protocol.ExecutionEvent) {
	if ev.Position == nil {
		return
	}

	c.posMu.Lock()
	defer c.posMu.Unlock()

	if ev.Position.Volume == 0 {
		delete(c.positions, ev.Position.PositionID)
		return
	}
	c.positions[ev.Position.PositionID] = positionFromInfo(ev.Position)
}

// ReconcilePositions fetches the broker's authoritative open-position list
// and replaces the local cache with it.
func (c *Client) ReconcilePositions(ctx context.Context) ([]Position, error) {
	if err := c.requireAuth(); err != nil {
		return nil, err
	}

	req := protocol.ReconcileReq{AccountID: c.cfg.AccountID}
	env, err := c.call(ctx, protocol.PayloadReconcileReq, req.Marshal(), protocol.PayloadReconcileRes)
	if err != nil {
		return nil, fmt.Errorf("reconcile positions: %w", err)
	}

	var res protocol.ReconcileRes
	if err := res.Unmarshal(env.Payload); err != nil {
		return nil, &ProtocolError{Detail: "decoding reconcile response", Err: err}
	}

	positions := make([]Position, 0, len(res.Positions))
	fresh := make(map[int64]Position, len(res.Positions))
	for i := range res.Positions {
		pos := positionFromInfo(&res.Positions[i])
		positions = append(positions, pos)
		fresh[pos.ID] = pos
	}

	c.posMu.Lock()
	c.positions = fresh
	c.posMu.Unlock()

	c.logger.Info("Positions reconciled",
		"function", "ReconcilePositions",
		"count", len(positions))
	return positions, nil
}

// OpenPositions returns the cached open positions. Call ReconcilePositions
// for the broker's authoritative view.
func (c *Client) OpenPositions() []Position {
	c.posMu.Lock()
	defer c.posMu.Unlock()

	out := make([]Position, 0, len(c.positions))
	for _, pos := range c.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetSymbolID resolves a symbol name like "XAUUSD" to its numeric ID,
// fetching and caching the full symbol directory on first use.
func (c *Client) GetSymbolID(ctx context.Context, name string) (int64, error) {
	key := strings.ToUpper(name)

	c.symMu.RLock()
	id, ok := c.symbolIDs[key]
	c.symMu.RUnlock()
	if ok {
		return id, nil
	}

	if err := c.requireAuth(); err != nil {
		return 0, err
	}

	req := protocol.SymbolsListReq{AccountID: c.cfg.AccountID}
	env, err := c.call(ctx, protocol.PayloadSymbolsListReq, req.Marshal(), protocol.PayloadSymbolsListRes)
	if err != nil {
		return 0, fmt.Errorf("fetch symbol list: %w", err)
	}

	var res protocol.SymbolsListRes
	if err := res.Unmarshal(env.Payload); err != nil {
		return 0, &ProtocolError{Detail: "decoding symbol list", Err: err}
	}

	c.symMu.Lock()
	for _, sym := range res.Symbols {
		c.symbolIDs[strings.ToUpper(sym.SymbolName)] = sym.SymbolID
	}
	id, ok = c.symbolIDs[key]
	c.symMu.Unlock()

	if !ok {
		return 0, fmt.Errorf("unknown symbol: %s", name)
	}
	return id, nil
}

// GetSymbolMeta fetches trading constraints for a symbol, cached after the
// first lookup.
func (c *Client) GetSymbolMeta(ctx context.Context, symbolID int64) (SymbolMeta, error) {
	c.symMu.RLock()
	meta, ok := c.symbolMeta[symbolID]
	c.symMu.RUnlock()
	if ok {
		return meta, nil
	}

	if err := c.requireAuth(); err != nil {
		return SymbolMeta{}, err
	}

	req := protocol.SymbolByIDReq{
		AccountID: c.cfg.AccountID,
		SymbolIDs: []int64{symbolID},
	}
	env, err := c.call(ctx, protocol.PayloadSymbolByIDReq, req.Marshal(), protocol.PayloadSymbolByIDRes)
	if err != nil {
		return SymbolMeta{}, fmt.Errorf("fetch symbol %d: %w", symbolID, err)
	}

	var res protocol.SymbolByIDRes
	if err := res.Unmarshal(env.Payload); err != nil {
		return SymbolMeta{}, &ProtocolError{Detail: "decoding symbol details", Err: err}
	}
	if len(res.Symbols) == 0 {
		return SymbolMeta{}, fmt.Errorf("symbol %d not found", symbolID)
	}

	details := res.Symbols[0]
	meta = SymbolMeta{
		ID:          details.SymbolID,
		Digits:      details.Digits,
		PipPosition: details.PipPosition,
		LotSize:     details.LotSize,
		MinVolume:   details.MinVolume,
		MaxVolume:   details.MaxVolume,
	}

	c.symMu.Lock()
	c.symbolMeta[symbolID] = meta
	c.symMu.Unlock()
	return meta, nil
}

// GetTrader fetches the account snapshot. Balance is converted from broker
// cents to a decimal amount.
func (c *Client) GetTrader(ctx context.Context) (*Trader, error) {
	if err := c.requireAuth(); err != nil {
		return nil, err
	}

	req := protocol.TraderReq{AccountID: c.cfg.AccountID}
	env, err := c.call(ctx, protocol.PayloadTraderReq, req.Marshal(), protocol.PayloadTraderRes)
	if err != nil {
		return nil, fmt.Errorf("fetch trader: %w", err)
	}

	var res protocol.TraderRes
	if err := res.Unmarshal(env.Payload); err != nil {
		return nil, &ProtocolError{Detail: "decoding trader response", Err: err}
	}
	if res.Trader == nil {
		return nil, &ProtocolError{Detail: "trader response missing trader"}
	}

	return &Trader{
		Login:           res.Trader.Login,
		Balance:         decimal.New(res.Trader.Balance, -2),
		Leverage:        res.Trader.Leverage,
		DepositCurrency: res.Trader.DepositCurrency,
	}, nil
}
