package ctrader

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/bjoelf/ctrader-adapter/adapter/protocol"
)

// priceScale is the fixed-point exponent of spot quotes: raw units are
// 1/100000 of the quote currency.
const priceScale int32 = -5

// Price is the latest quote for a symbol. Bid or Ask may briefly reflect an
// older update than the other when the broker pushes one-sided quotes.
type Price struct {
	SymbolID  int64
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Spread    decimal.Decimal
	Timestamp time.Time
}

// Position is an open position as last reported by the broker.
type Position struct {
	ID         int64
	SymbolID   int64
	Volume     int64
	Side       protocol.TradeSide
	EntryPrice decimal.Decimal
}

// SymbolMeta carries per-symbol trading constraints.
type SymbolMeta struct {
	ID          int64
	Digits      int32
	PipPosition int32
	LotSize     int64
	MinVolume   int64
	MaxVolume   int64
}

// Trader is the account snapshot.
type Trader struct {
	Login           int64
	Balance         decimal.Decimal
	Leverage        int32
	DepositCurrency string
}

// OrderRequest describes an order to place. Volume is in centilots.
// LimitPrice is required for limit orders, StopPrice for stop orders.
// StopLoss and TakeProfit are optional; zero means not set.
type OrderRequest struct {
	SymbolID   int64
	Type       protocol.OrderType
	Side       protocol.TradeSide
	Volume     int64
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Label      string
}

// ExecutionReport is the broker's confirmation of an order action.
type ExecutionReport struct {
	Type       protocol.ExecutionType
	OrderID    int64
	PositionID int64
	SymbolID   int64
	Volume     int64
	Side       protocol.TradeSide
	Price      decimal.Decimal
}

func executionReportFromEvent(ev *protocol.ExecutionEvent) *ExecutionReport {
	report := &ExecutionReport{Type: ev.ExecutionType}
	if ev.Order != nil {
		report.OrderID = ev.Order.OrderID
		report.SymbolID = ev.Order.SymbolID
		report.Volume = ev.Order.Volume
		report.Side = ev.Order.TradeSide
		report.Price = decimal.NewFromFloat(ev.Order.Price)
	}
	if ev.Position != nil {
		report.PositionID = ev.Position.PositionID
		if report.SymbolID == 0 {
			report.SymbolID = ev.Position.SymbolID
		}
		if report.Volume == 0 {
			report.Volume = ev.Position.Volume
		}
		if report.Side == 0 {
			report.Side = ev.Position.TradeSide
		}
	}
	return report
}

func timeFromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func positionFromInfo(info *protocol.PositionInfo) Position {
	return Position{
		ID:         info.PositionID,
		SymbolID:   info.SymbolID,
		Volume:     info.Volume,
		Side:       info.TradeSide,
		EntryPrice: decimal.NewFromFloat(info.EntryPrice),
	}
}
