package ctrader

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bjoelf/ctrader-adapter/adapter/protocol"
)

// MockBrokerServer is an in-process broker speaking the framed envelope
// protocol over plain TCP. Unit tests point the client's Dial at it and
// exercise the full wire path without TLS or a real broker.
type MockBrokerServer struct {
	listener net.Listener

	mu      sync.Mutex
	writeMu sync.Mutex
	conns   map[net.Conn]struct{}
	current net.Conn

	appAuthErr     *protocol.ErrorRes
	accountAuthErr *protocol.ErrorRes
	traderErr      *protocol.ErrorRes
	answerVersion  bool

	symbols   []protocol.LightSymbol
	details   map[int64]protocol.SymbolDetails
	trader    *protocol.TraderInfo
	positions []protocol.PositionInfo

	nextOrderID    int64
	nextPositionID int64

	subscribeReqs []protocol.SubscribeSpotsReq
	appAuthCount  int
}

// NewMockBrokerServer starts the mock on a random local port.
func NewMockBrokerServer() (*MockBrokerServer, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	m := &MockBrokerServer{
		listener:       listener,
		conns:          make(map[net.Conn]struct{}),
		answerVersion:  true,
		details:        make(map[int64]protocol.SymbolDetails),
		nextOrderID:    1000,
		nextPositionID: 5000,
	}
	go m.acceptLoop()
	return m, nil
}

// Addr returns the listen address for the client's Dial override.
func (m *MockBrokerServer) Addr() string {
	return m.listener.Addr().String()
}

// Dial returns a DialFunc that connects to the mock over plain TCP.
func (m *MockBrokerServer) Dial() DialFunc {
	return func(network, addr string, timeout time.Duration) (net.Conn, error) {
		return net.DialTimeout("tcp", m.Addr(), timeout)
	}
}

// Close stops the listener and drops every connection.
func (m *MockBrokerServer) Close() {
	m.listener.Close()
	m.DropConnections()
}

// DropConnections severs all live connections, simulating a broker-side
// drop. The listener keeps accepting, so reconnects succeed.
func (m *MockBrokerServer) DropConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for conn := range m.conns {
		conn.Close()
		delete(m.conns, conn)
	}
	m.current = nil
}

// SetAppAuthError makes application auth fail with the given broker error.
func (m *MockBrokerServer) SetAppAuthError(code, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if code == "" {
		m.appAuthErr = nil
		return
	}
	m.appAuthErr = &protocol.ErrorRes{ErrorCode: code, Description: description}
}

// SetAccountAuthError makes account auth fail with the given broker error.
func (m *MockBrokerServer) SetAccountAuthError(code, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if code == "" {
		m.accountAuthErr = nil
		return
	}
	m.accountAuthErr = &protocol.ErrorRes{ErrorCode: code, Description: description}
}

// SetTraderError makes trader requests fail with the given broker error.
func (m *MockBrokerServer) SetTraderError(code, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if code == "" {
		m.traderErr = nil
		return
	}
	m.traderErr = &protocol.ErrorRes{ErrorCode: code, Description: description}
}

// SetSymbols configures the symbol directory served to SymbolsListReq.
func (m *MockBrokerServer) SetSymbols(symbols []protocol.LightSymbol) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols = symbols
}

// SetSymbolDetails configures the metadata served to SymbolByIDReq.
func (m *MockBrokerServer) SetSymbolDetails(details protocol.SymbolDetails) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.details[details.SymbolID] = details
}

// SetTrader configures the account snapshot served to TraderReq.
func (m *MockBrokerServer) SetTrader(trader protocol.TraderInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trader = &trader
}

// SetPositions configures the open positions served to ReconcileReq.
func (m *MockBrokerServer) SetPositions(positions []protocol.PositionInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}

// SubscribeRequests returns every spot subscription request seen so far.
func (m *MockBrokerServer) SubscribeRequests() []protocol.SubscribeSpotsReq {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.SubscribeSpotsReq, len(m.subscribeReqs))
	copy(out, m.subscribeReqs)
	return out
}

// AppAuthCount returns how many application auth requests have arrived.
func (m *MockBrokerServer) AppAuthCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appAuthCount
}

// WaitForSubscribeCount blocks until at least n subscription requests have
// been recorded or the timeout passes.
func (m *MockBrokerServer) WaitForSubscribeCount(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		count := len(m.subscribeReqs)
		m.mu.Unlock()
		if count >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// PushSpot sends a spot event on the most recent connection. Raw prices are
// fixed-point units of 1/100000.
func (m *MockBrokerServer) PushSpot(symbolID int64, bid, ask uint64) error {
	m.mu.Lock()
	conn := m.current
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no active connection")
	}

	ev := protocol.SpotEvent{
		SymbolID:  symbolID,
		Bid:       bid,
		HasBid:    bid > 0,
		Ask:       ask,
		HasAsk:    ask > 0,
		Timestamp: time.Now().UnixMilli(),
	}
	return m.writeEnvelope(conn, protocol.PayloadSpotEvent, ev.Marshal(), "")
}

// PushExecution sends an unsolicited execution event, as the broker does for
// fills triggered by stop loss or take profit.
func (m *MockBrokerServer) PushExecution(ev protocol.ExecutionEvent) error {
	m.mu.Lock()
	conn := m.current
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no active connection")
	}
	return m.writeEnvelope(conn, protocol.PayloadExecutionEvent, ev.Marshal(), "")
}

func (m *MockBrokerServer) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}

		m.mu.Lock()
		m.conns[conn] = struct{}{}
		m.current = conn
		m.mu.Unlock()

		go m.handleConn(conn)
	}
}

func (m *MockBrokerServer) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		m.mu.Lock()
		delete(m.conns, conn)
		if m.current == conn {
			m.current = nil
		}
		m.mu.Unlock()
	}()

	for {
		env, err := m.readEnvelope(conn)
		if err != nil {
			return
		}
		if err := m.handleRequest(conn, env); err != nil {
			return
		}
	}
}

func (m *MockBrokerServer) handleRequest(conn net.Conn, env *protocol.Envelope) error {
	switch env.PayloadType {
	case protocol.PayloadApplicationAuthReq:
		m.mu.Lock()
		m.appAuthCount++
		failure := m.appAuthErr
		m.mu.Unlock()
		if failure != nil {
			return m.writeEnvelope(conn, protocol.PayloadErrorRes, failure.Marshal(), env.ClientMsgID)
		}
		res := protocol.ApplicationAuthRes{}
		return m.writeEnvelope(conn, protocol.PayloadApplicationAuthRes, res.Marshal(), env.ClientMsgID)

	case protocol.PayloadVersionReq:
		m.mu.Lock()
		answer := m.answerVersion
		m.mu.Unlock()
		if !answer {
			return nil
		}
		res := protocol.VersionRes{Version: "mock-1.0"}
		return m.writeEnvelope(conn, protocol.PayloadVersionRes, res.Marshal(), env.ClientMsgID)

	case protocol.PayloadAccountAuthReq:
		var req protocol.AccountAuthReq
		if err := req.Unmarshal(env.Payload); err != nil {
			return err
		}
		m.mu.Lock()
		failure := m.accountAuthErr
		m.mu.Unlock()
		if failure != nil {
			return m.writeEnvelope(conn, protocol.PayloadErrorRes, failure.Marshal(), env.ClientMsgID)
		}
		res := protocol.AccountAuthRes{AccountID: req.AccountID}
		return m.writeEnvelope(conn, protocol.PayloadAccountAuthRes, res.Marshal(), env.ClientMsgID)

	case protocol.PayloadHeartbeatEvent:
		hb := protocol.HeartbeatEvent{}
		return m.writeEnvelope(conn, protocol.PayloadHeartbeatEvent, hb.Marshal(), "")

	case protocol.PayloadSubscribeSpotsReq:
		var req protocol.SubscribeSpotsReq
		if err := req.Unmarshal(env.Payload); err != nil {
			return err
		}
		m.mu.Lock()
		m.subscribeReqs = append(m.subscribeReqs, req)
		m.mu.Unlock()
		res := protocol.SubscribeSpotsRes{AccountID: req.AccountID}
		return m.writeEnvelope(conn, protocol.PayloadSubscribeSpotsRes, res.Marshal(), env.ClientMsgID)

	case protocol.PayloadUnsubscribeSpotsReq:
		var req protocol.UnsubscribeSpotsReq
		if err := req.Unmarshal(env.Payload); err != nil {
			return err
		}
		res := protocol.UnsubscribeSpotsRes{AccountID: req.AccountID}
		return m.writeEnvelope(conn, protocol.PayloadUnsubscribeSpotsRes, res.Marshal(), env.ClientMsgID)

	case protocol.PayloadNewOrderReq:
		var req protocol.NewOrderReq
		if err := req.Unmarshal(env.Payload); err != nil {
			return err
		}
		m.mu.Lock()
		m.nextOrderID++
		m.nextPositionID++
		orderID := m.nextOrderID
		positionID := m.nextPositionID
		m.mu.Unlock()

		ev := protocol.ExecutionEvent{
			ExecutionType: protocol.ExecutionOrderFilled,
			Order: &protocol.OrderInfo{
				OrderID:   orderID,
				SymbolID:  req.SymbolID,
				Volume:    req.Volume,
				TradeSide: req.TradeSide,
				Price:     req.LimitPrice,
			},
			Position: &protocol.PositionInfo{
				PositionID: positionID,
				SymbolID:   req.SymbolID,
				Volume:     req.Volume,
				TradeSide:  req.TradeSide,
				EntryPrice: req.LimitPrice,
			},
		}
		return m.writeEnvelope(conn, protocol.PayloadExecutionEvent, ev.Marshal(), env.ClientMsgID)

	case protocol.PayloadClosePositionReq:
		var req protocol.ClosePositionReq
		if err := req.Unmarshal(env.Payload); err != nil {
			return err
		}
		ev := protocol.ExecutionEvent{
			ExecutionType: protocol.ExecutionOrderFilled,
			Position: &protocol.PositionInfo{
				PositionID: req.PositionID,
				Volume:     0,
			},
		}
		return m.writeEnvelope(conn, protocol.PayloadExecutionEvent, ev.Marshal(), env.ClientMsgID)

	case protocol.PayloadSymbolsListReq:
		m.mu.Lock()
		res := protocol.SymbolsListRes{Symbols: m.symbols}
		m.mu.Unlock()
		return m.writeEnvelope(conn, protocol.PayloadSymbolsListRes, res.Marshal(), env.ClientMsgID)

	case protocol.PayloadSymbolByIDReq:
		var req protocol.SymbolByIDReq
		if err := req.Unmarshal(env.Payload); err != nil {
			return err
		}
		res := protocol.SymbolByIDRes{}
		m.mu.Lock()
		for _, id := range req.SymbolIDs {
			if details, ok := m.details[id]; ok {
				res.Symbols = append(res.Symbols, details)
			}
		}
		m.mu.Unlock()
		return m.writeEnvelope(conn, protocol.PayloadSymbolByIDRes, res.Marshal(), env.ClientMsgID)

	case protocol.PayloadTraderReq:
		m.mu.Lock()
		failure := m.traderErr
		res := protocol.TraderRes{Trader: m.trader}
		m.mu.Unlock()
		if failure != nil {
			return m.writeEnvelope(conn, protocol.PayloadErrorRes, failure.Marshal(), env.ClientMsgID)
		}
		return m.writeEnvelope(conn, protocol.PayloadTraderRes, res.Marshal(), env.ClientMsgID)

	case protocol.PayloadReconcileReq:
		m.mu.Lock()
		res := protocol.ReconcileRes{Positions: m.positions}
		m.mu.Unlock()
		return m.writeEnvelope(conn, protocol.PayloadReconcileRes, res.Marshal(), env.ClientMsgID)

	default:
		failure := protocol.ErrorRes{
			ErrorCode:   "UNSUPPORTED_MESSAGE",
			Description: fmt.Sprintf("payload type %d not handled", env.PayloadType),
		}
		return m.writeEnvelope(conn, protocol.PayloadErrorRes, failure.Marshal(), env.ClientMsgID)
	}
}

func (m *MockBrokerServer) readEnvelope(conn net.Conn) (*protocol.Envelope, error) {
	var prefix [protocol.LengthPrefixSize]byte
	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > protocol.MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}
	return protocol.UnmarshalEnvelope(body)
}

func (m *MockBrokerServer) writeEnvelope(conn net.Conn, pt protocol.PayloadType, payload []byte, clientMsgID string) error {
	frame, err := protocol.EncodeFrame(&protocol.Envelope{
		PayloadType: pt,
		Payload:     payload,
		ClientMsgID: clientMsgID,
	})
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_, err = conn.Write(frame)
	return err
}
