package protocol

import "google.golang.org/protobuf/encoding/protowire"

// Typed payload messages, one per PayloadType. Field numbers follow the
// broker's published schema; both directions are implemented because the
// test broker speaks the same wire format back at the engine.

// ApplicationAuthReq authenticates the API application (client credentials).
type ApplicationAuthReq struct {
	ClientID     string
	ClientSecret string
}

func (m *ApplicationAuthReq) Marshal() []byte {
	b := appendStringField(nil, 1, m.ClientID)
	return appendStringField(b, 2, m.ClientSecret)
}

func (m *ApplicationAuthReq) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			m.ClientID, n, err = consumeString(b)
		case 2:
			m.ClientSecret, n, err = consumeString(b)
		}
		return n, err
	})
}

// ApplicationAuthRes carries no fields; its arrival is the acknowledgement.
type ApplicationAuthRes struct{}

func (m *ApplicationAuthRes) Marshal() []byte        { return nil }
func (m *ApplicationAuthRes) Unmarshal([]byte) error { return nil }

// AccountAuthReq binds the session to one trading account using an OAuth
// access token.
type AccountAuthReq struct {
	AccountID   int64
	AccessToken string
}

func (m *AccountAuthReq) Marshal() []byte {
	b := appendInt64Field(nil, 1, m.AccountID)
	return appendStringField(b, 2, m.AccessToken)
}

func (m *AccountAuthReq) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			m.AccountID, n, err = consumeInt64(b)
		case 2:
			m.AccessToken, n, err = consumeString(b)
		}
		return n, err
	})
}

type AccountAuthRes struct {
	AccountID int64
}

func (m *AccountAuthRes) Marshal() []byte {
	return appendInt64Field(nil, 1, m.AccountID)
}

func (m *AccountAuthRes) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeInt64(b)
			m.AccountID = v
			return n, err
		}
		return 0, nil
	})
}

type VersionReq struct{}

func (m *VersionReq) Marshal() []byte        { return nil }
func (m *VersionReq) Unmarshal([]byte) error { return nil }

type VersionRes struct {
	Version string
}

func (m *VersionRes) Marshal() []byte {
	return appendStringField(nil, 1, m.Version)
}

func (m *VersionRes) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			var err error
			var n int
			m.Version, n, err = consumeString(b)
			return n, err
		}
		return 0, nil
	})
}

// HeartbeatEvent is the keep-alive frame; it has no body.
type HeartbeatEvent struct{}

func (m *HeartbeatEvent) Marshal() []byte        { return nil }
func (m *HeartbeatEvent) Unmarshal([]byte) error { return nil }

// SubscribeSpotsReq asks for spot pushes on the given symbols.
type SubscribeSpotsReq struct {
	AccountID int64
	SymbolIDs []int64
}

func (m *SubscribeSpotsReq) Marshal() []byte {
	b := appendInt64Field(nil, 1, m.AccountID)
	for _, id := range m.SymbolIDs {
		b = appendInt64Field(b, 2, id)
	}
	return b
}

func (m *SubscribeSpotsReq) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			m.AccountID, n, err = consumeInt64(b)
		case 2:
			n, err = consumeInt64List(typ, b, &m.SymbolIDs)
		}
		return n, err
	})
}

type SubscribeSpotsRes struct {
	AccountID int64
}

func (m *SubscribeSpotsRes) Marshal() []byte {
	return appendInt64Field(nil, 1, m.AccountID)
}

func (m *SubscribeSpotsRes) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeInt64(b)
			m.AccountID = v
			return n, err
		}
		return 0, nil
	})
}

// UnsubscribeSpotsReq stops spot pushes for the given symbols.
type UnsubscribeSpotsReq struct {
	AccountID int64
	SymbolIDs []int64
}

func (m *UnsubscribeSpotsReq) Marshal() []byte {
	b := appendInt64Field(nil, 1, m.AccountID)
	for _, id := range m.SymbolIDs {
		b = appendInt64Field(b, 2, id)
	}
	return b
}

func (m *UnsubscribeSpotsReq) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			m.AccountID, n, err = consumeInt64(b)
		case 2:
			n, err = consumeInt64List(typ, b, &m.SymbolIDs)
		}
		return n, err
	})
}

type UnsubscribeSpotsRes struct {
	AccountID int64
}

func (m *UnsubscribeSpotsRes) Marshal() []byte {
	return appendInt64Field(nil, 1, m.AccountID)
}

func (m *UnsubscribeSpotsRes) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeInt64(b)
			m.AccountID = v
			return n, err
		}
		return 0, nil
	})
}

// SpotEvent is a price push. Bid and Ask are fixed-point units of 1/100000;
// either side may be absent on a one-sided update, hence the presence flags.
type SpotEvent struct {
	SymbolID  int64
	Bid       uint64
	HasBid    bool
	Ask       uint64
	HasAsk    bool
	Timestamp int64
}

func (m *SpotEvent) Marshal() []byte {
	b := appendInt64Field(nil, 1, m.SymbolID)
	if m.HasBid {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Bid)
	}
	if m.HasAsk {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Ask)
	}
	return appendInt64Field(b, 4, m.Timestamp)
}

func (m *SpotEvent) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			m.SymbolID, n, err = consumeInt64(b)
		case 2:
			m.Bid, n, err = consumeVarint(b)
			m.HasBid = err == nil
		case 3:
			m.Ask, n, err = consumeVarint(b)
			m.HasAsk = err == nil
		case 4:
			m.Timestamp, n, err = consumeInt64(b)
		}
		return n, err
	})
}

// OrderInfo describes the order side of an execution event.
type OrderInfo struct {
	OrderID   int64
	SymbolID  int64
	Volume    int64
	TradeSide TradeSide
	Price     float64
}

func (m *OrderInfo) Marshal() []byte {
	b := appendInt64Field(nil, 1, m.OrderID)
	b = appendInt64Field(b, 2, m.SymbolID)
	b = appendInt64Field(b, 3, m.Volume)
	b = appendVarintField(b, 4, uint64(m.TradeSide))
	return appendDoubleField(b, 5, m.Price)
}

func (m *OrderInfo) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			m.OrderID, n, err = consumeInt64(b)
		case 2:
			m.SymbolID, n, err = consumeInt64(b)
		case 3:
			m.Volume, n, err = consumeInt64(b)
		case 4:
			var v uint64
			v, n, err = consumeVarint(b)
			m.TradeSide = TradeSide(v)
		case 5:
			m.Price, n, err = consumeDouble(b)
		}
		return n, err
	})
}

// PositionInfo describes the position side of an execution event or a
// reconcile snapshot. Volume is in centilots; zero means the position is
// closed.
type PositionInfo struct {
	PositionID int64
	SymbolID   int64
	Volume     int64
	TradeSide  TradeSide
	EntryPrice float64
}

func (m *PositionInfo) Marshal() []byte {
	b := appendInt64Field(nil, 1, m.PositionID)
	b = appendInt64Field(b, 2, m.SymbolID)
	b = appendInt64Field(b, 3, m.Volume)
	b = appendVarintField(b, 4, uint64(m.TradeSide))
	return appendDoubleField(b, 5, m.EntryPrice)
}

func (m *PositionInfo) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			m.PositionID, n, err = consumeInt64(b)
		case 2:
			m.SymbolID, n, err = consumeInt64(b)
		case 3:
			m.Volume, n, err = consumeInt64(b)
		case 4:
			var v uint64
			v, n, err = consumeVarint(b)
			m.TradeSide = TradeSide(v)
		case 5:
			m.EntryPrice, n, err = consumeDouble(b)
		}
		return n, err
	})
}

// ExecutionEvent confirms an order fill, cancellation or rejection. Order and
// Position are optional sub-messages.
type ExecutionEvent struct {
	ExecutionType ExecutionType
	Order         *OrderInfo
	Position      *PositionInfo
}

func (m *ExecutionEvent) Marshal() []byte {
	b := appendVarintField(nil, 1, uint64(m.ExecutionType))
	if m.Order != nil {
		b = appendMessageField(b, 2, m.Order.Marshal())
	}
	if m.Position != nil {
		b = appendMessageField(b, 3, m.Position.Marshal())
	}
	return b
}

func (m *ExecutionEvent) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(b)
			m.ExecutionType = ExecutionType(v)
			return n, err
		case 2:
			body, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			m.Order = &OrderInfo{}
			return n, m.Order.Unmarshal(body)
		case 3:
			body, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			m.Position = &PositionInfo{}
			return n, m.Position.Unmarshal(body)
		}
		return 0, nil
	})
}

// ErrorRes is the broker's structured failure response.
type ErrorRes struct {
	ErrorCode   string
	Description string
}

func (m *ErrorRes) Marshal() []byte {
	b := appendStringField(nil, 1, m.ErrorCode)
	return appendStringField(b, 2, m.Description)
}

func (m *ErrorRes) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			m.ErrorCode, n, err = consumeString(b)
		case 2:
			m.Description, n, err = consumeString(b)
		}
		return n, err
	})
}

// OrderErrorEvent reports a rejected order outside the normal response flow.
type OrderErrorEvent struct {
	ErrorCode   string
	Description string
	OrderID     int64
}

func (m *OrderErrorEvent) Marshal() []byte {
	b := appendStringField(nil, 1, m.ErrorCode)
	b = appendStringField(b, 2, m.Description)
	return appendInt64Field(b, 3, m.OrderID)
}

func (m *OrderErrorEvent) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			m.ErrorCode, n, err = consumeString(b)
		case 2:
			m.Description, n, err = consumeString(b)
		case 3:
			m.OrderID, n, err = consumeInt64(b)
		}
		return n, err
	})
}

// NewOrderReq places an order. Volume is in centilots. LimitPrice applies to
// limit orders, StopPrice to stop orders; StopLoss/TakeProfit are optional
// protection levels.
type NewOrderReq struct {
	AccountID  int64
	SymbolID   int64
	OrderType  OrderType
	TradeSide  TradeSide
	Volume     int64
	LimitPrice float64
	StopPrice  float64
	StopLoss   float64
	TakeProfit float64
	Label      string
}

func (m *NewOrderReq) Marshal() []byte {
	b := appendInt64Field(nil, 1, m.AccountID)
	b = appendInt64Field(b, 2, m.SymbolID)
	b = appendVarintField(b, 3, uint64(m.OrderType))
	b = appendVarintField(b, 4, uint64(m.TradeSide))
	b = appendInt64Field(b, 5, m.Volume)
	b = appendDoubleField(b, 6, m.LimitPrice)
	b = appendDoubleField(b, 7, m.StopPrice)
	b = appendDoubleField(b, 8, m.StopLoss)
	b = appendDoubleField(b, 9, m.TakeProfit)
	return appendStringField(b, 10, m.Label)
}

func (m *NewOrderReq) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			m.AccountID, n, err = consumeInt64(b)
		case 2:
			m.SymbolID, n, err = consumeInt64(b)
		case 3:
			var v uint64
			v, n, err = consumeVarint(b)
			m.OrderType = OrderType(v)
		case 4:
			var v uint64
			v, n, err = consumeVarint(b)
			m.TradeSide = TradeSide(v)
		case 5:
			m.Volume, n, err = consumeInt64(b)
		case 6:
			m.LimitPrice, n, err = consumeDouble(b)
		case 7:
			m.StopPrice, n, err = consumeDouble(b)
		case 8:
			m.StopLoss, n, err = consumeDouble(b)
		case 9:
			m.TakeProfit, n, err = consumeDouble(b)
		case 10:
			m.Label, n, err = consumeString(b)
		}
		return n, err
	})
}

// ClosePositionReq closes all or part of a position.
type ClosePositionReq struct {
	AccountID  int64
	PositionID int64
	Volume     int64
}

func (m *ClosePositionReq) Marshal() []byte {
	b := appendInt64Field(nil, 1, m.AccountID)
	b = appendInt64Field(b, 2, m.PositionID)
	return appendInt64Field(b, 3, m.Volume)
}

func (m *ClosePositionReq) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			m.AccountID, n, err = consumeInt64(b)
		case 2:
			m.PositionID, n, err = consumeInt64(b)
		case 3:
			m.Volume, n, err = consumeInt64(b)
		}
		return n, err
	})
}

// SymbolsListReq fetches the tradable symbol directory for the account.
type SymbolsListReq struct {
	AccountID int64
}

func (m *SymbolsListReq) Marshal() []byte {
	return appendInt64Field(nil, 1, m.AccountID)
}

func (m *SymbolsListReq) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeInt64(b)
			m.AccountID = v
			return n, err
		}
		return 0, nil
	})
}

// LightSymbol is the directory entry: id and name only.
type LightSymbol struct {
	SymbolID   int64
	SymbolName string
}

func (m *LightSymbol) Marshal() []byte {
	b := appendInt64Field(nil, 1, m.SymbolID)
	return appendStringField(b, 2, m.SymbolName)
}

func (m *LightSymbol) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			m.SymbolID, n, err = consumeInt64(b)
		case 2:
			m.SymbolName, n, err = consumeString(b)
		}
		return n, err
	})
}

type SymbolsListRes struct {
	AccountID int64
	Symbols   []LightSymbol
}

func (m *SymbolsListRes) Marshal() []byte {
	b := appendInt64Field(nil, 1, m.AccountID)
	for i := range m.Symbols {
		b = appendMessageField(b, 2, m.Symbols[i].Marshal())
	}
	return b
}

func (m *SymbolsListRes) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeInt64(b)
			m.AccountID = v
			return n, err
		case 2:
			body, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			var sym LightSymbol
			if err := sym.Unmarshal(body); err != nil {
				return 0, err
			}
			m.Symbols = append(m.Symbols, sym)
			return n, nil
		}
		return 0, nil
	})
}

// SymbolByIDReq fetches full metadata for the given symbols.
type SymbolByIDReq struct {
	AccountID int64
	SymbolIDs []int64
}

func (m *SymbolByIDReq) Marshal() []byte {
	b := appendInt64Field(nil, 1, m.AccountID)
	for _, id := range m.SymbolIDs {
		b = appendInt64Field(b, 2, id)
	}
	return b
}

func (m *SymbolByIDReq) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			m.AccountID, n, err = consumeInt64(b)
		case 2:
			n, err = consumeInt64List(typ, b, &m.SymbolIDs)
		}
		return n, err
	})
}

// SymbolDetails carries per-symbol trading metadata.
type SymbolDetails struct {
	SymbolID    int64
	Digits      int32
	PipPosition int32
	LotSize     int64
	MinVolume   int64
	MaxVolume   int64
}

func (m *SymbolDetails) Marshal() []byte {
	b := appendInt64Field(nil, 1, m.SymbolID)
	b = appendVarintField(b, 2, uint64(m.Digits))
	b = appendVarintField(b, 3, uint64(m.PipPosition))
	b = appendInt64Field(b, 4, m.LotSize)
	b = appendInt64Field(b, 5, m.MinVolume)
	return appendInt64Field(b, 6, m.MaxVolume)
}

func (m *SymbolDetails) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			m.SymbolID, n, err = consumeInt64(b)
		case 2:
			var v uint64
			v, n, err = consumeVarint(b)
			m.Digits = int32(v)
		case 3:
			var v uint64
			v, n, err = consumeVarint(b)
			m.PipPosition = int32(v)
		case 4:
			m.LotSize, n, err = consumeInt64(b)
		case 5:
			m.MinVolume, n, err = consumeInt64(b)
		case 6:
			m.MaxVolume, n, err = consumeInt64(b)
		}
		return n, err
	})
}

type SymbolByIDRes struct {
	AccountID int64
	Symbols   []SymbolDetails
}

func (m *SymbolByIDRes) Marshal() []byte {
	b := appendInt64Field(nil, 1, m.AccountID)
	for i := range m.Symbols {
		b = appendMessageField(b, 2, m.Symbols[i].Marshal())
	}
	return b
}

func (m *SymbolByIDRes) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeInt64(b)
			m.AccountID = v
			return n, err
		case 2:
			body, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			var sym SymbolDetails
			if err := sym.Unmarshal(body); err != nil {
				return 0, err
			}
			m.Symbols = append(m.Symbols, sym)
			return n, nil
		}
		return 0, nil
	})
}

// TraderReq fetches the account snapshot.
type TraderReq struct {
	AccountID int64
}

func (m *TraderReq) Marshal() []byte {
	return appendInt64Field(nil, 1, m.AccountID)
}

func (m *TraderReq) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeInt64(b)
			m.AccountID = v
			return n, err
		}
		return 0, nil
	})
}

// TraderInfo is the account snapshot. Balance is in cents of the deposit
// currency.
type TraderInfo struct {
	Login           int64
	Balance         int64
	Leverage        int32
	DepositCurrency string
}

func (m *TraderInfo) Marshal() []byte {
	b := appendInt64Field(nil, 1, m.Login)
	b = appendInt64Field(b, 2, m.Balance)
	b = appendVarintField(b, 3, uint64(m.Leverage))
	return appendStringField(b, 4, m.DepositCurrency)
}

func (m *TraderInfo) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			m.Login, n, err = consumeInt64(b)
		case 2:
			m.Balance, n, err = consumeInt64(b)
		case 3:
			var v uint64
			v, n, err = consumeVarint(b)
			m.Leverage = int32(v)
		case 4:
			m.DepositCurrency, n, err = consumeString(b)
		}
		return n, err
	})
}

type TraderRes struct {
	AccountID int64
	Trader    *TraderInfo
}

func (m *TraderRes) Marshal() []byte {
	b := appendInt64Field(nil, 1, m.AccountID)
	if m.Trader != nil {
		b = appendMessageField(b, 2, m.Trader.Marshal())
	}
	return b
}

func (m *TraderRes) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeInt64(b)
			m.AccountID = v
			return n, err
		case 2:
			body, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			m.Trader = &TraderInfo{}
			return n, m.Trader.Unmarshal(body)
		}
		return 0, nil
	})
}

// ReconcileReq asks for the broker's authoritative open-position list.
type ReconcileReq struct {
	AccountID int64
}

func (m *ReconcileReq) Marshal() []byte {
	return appendInt64Field(nil, 1, m.AccountID)
}

func (m *ReconcileReq) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeInt64(b)
			m.AccountID = v
			return n, err
		}
		return 0, nil
	})
}

type ReconcileRes struct {
	AccountID int64
	Positions []PositionInfo
}

func (m *ReconcileRes) Marshal() []byte {
	b := appendInt64Field(nil, 1, m.AccountID)
	for i := range m.Positions {
		b = appendMessageField(b, 2, m.Positions[i].Marshal())
	}
	return b
}

func (m *ReconcileRes) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeInt64(b)
			m.AccountID = v
			return n, err
		case 2:
			body, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			var pos PositionInfo
			if err := pos.Unmarshal(body); err != nil {
				return 0, err
			}
			m.Positions = append(m.Positions, pos)
			return n, nil
		}
		return 0, nil
	})
}
