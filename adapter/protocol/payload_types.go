package protocol

import "fmt"

// PayloadType is the numeric discriminant carried by every envelope. The set
// below is the slice of the broker's versioned schema this engine speaks; the
// numbering is fixed by the broker and must not be reused or reordered.
type PayloadType uint32

const (
	PayloadHeartbeatEvent PayloadType = 51

	PayloadApplicationAuthReq  PayloadType = 2100
	PayloadApplicationAuthRes  PayloadType = 2101
	PayloadAccountAuthReq      PayloadType = 2102
	PayloadAccountAuthRes      PayloadType = 2103
	PayloadVersionReq          PayloadType = 2104
	PayloadVersionRes          PayloadType = 2105
	PayloadNewOrderReq         PayloadType = 2106
	PayloadClosePositionReq    PayloadType = 2111
	PayloadSymbolsListReq      PayloadType = 2114
	PayloadSymbolsListRes      PayloadType = 2115
	PayloadSymbolByIDReq       PayloadType = 2116
	PayloadSymbolByIDRes       PayloadType = 2117
	PayloadTraderReq           PayloadType = 2121
	PayloadTraderRes           PayloadType = 2122
	PayloadReconcileReq        PayloadType = 2124
	PayloadReconcileRes        PayloadType = 2125
	PayloadExecutionEvent      PayloadType = 2126
	PayloadSubscribeSpotsReq   PayloadType = 2127
	PayloadSubscribeSpotsRes   PayloadType = 2128
	PayloadUnsubscribeSpotsReq PayloadType = 2129
	PayloadUnsubscribeSpotsRes PayloadType = 2130
	PayloadSpotEvent           PayloadType = 2131
	PayloadOrderErrorEvent     PayloadType = 2132
	PayloadErrorRes            PayloadType = 2142
)

func (t PayloadType) String() string {
	switch t {
	case PayloadHeartbeatEvent:
		return "HEARTBEAT_EVENT"
	case PayloadApplicationAuthReq:
		return "APPLICATION_AUTH_REQ"
	case PayloadApplicationAuthRes:
		return "APPLICATION_AUTH_RES"
	case PayloadAccountAuthReq:
		return "ACCOUNT_AUTH_REQ"
	case PayloadAccountAuthRes:
		return "ACCOUNT_AUTH_RES"
	case PayloadVersionReq:
		return "VERSION_REQ"
	case PayloadVersionRes:
		return "VERSION_RES"
	case PayloadNewOrderReq:
		return "NEW_ORDER_REQ"
	case PayloadClosePositionReq:
		return "CLOSE_POSITION_REQ"
	case PayloadSymbolsListReq:
		return "SYMBOLS_LIST_REQ"
	case PayloadSymbolsListRes:
		return "SYMBOLS_LIST_RES"
	case PayloadSymbolByIDReq:
		return "SYMBOL_BY_ID_REQ"
	case PayloadSymbolByIDRes:
		return "SYMBOL_BY_ID_RES"
	case PayloadTraderReq:
		return "TRADER_REQ"
	case PayloadTraderRes:
		return "TRADER_RES"
	case PayloadReconcileReq:
		return "RECONCILE_REQ"
	case PayloadReconcileRes:
		return "RECONCILE_RES"
	case PayloadExecutionEvent:
		return "EXECUTION_EVENT"
	case PayloadSubscribeSpotsReq:
		return "SUBSCRIBE_SPOTS_REQ"
	case PayloadSubscribeSpotsRes:
		return "SUBSCRIBE_SPOTS_RES"
	case PayloadUnsubscribeSpotsReq:
		return "UNSUBSCRIBE_SPOTS_REQ"
	case PayloadUnsubscribeSpotsRes:
		return "UNSUBSCRIBE_SPOTS_RES"
	case PayloadSpotEvent:
		return "SPOT_EVENT"
	case PayloadOrderErrorEvent:
		return "ORDER_ERROR_EVENT"
	case PayloadErrorRes:
		return "ERROR_RES"
	}
	return fmt.Sprintf("PayloadType(%d)", uint32(t))
}

// TradeSide is the direction of an order or position.
type TradeSide int32

const (
	TradeSideBuy  TradeSide = 1
	TradeSideSell TradeSide = 2
)

func (s TradeSide) String() string {
	switch s {
	case TradeSideBuy:
		return "BUY"
	case TradeSideSell:
		return "SELL"
	}
	return fmt.Sprintf("TradeSide(%d)", int32(s))
}

// OrderType selects the order execution style.
type OrderType int32

const (
	OrderTypeMarket OrderType = 1
	OrderTypeLimit  OrderType = 2
	OrderTypeStop   OrderType = 3
)

// ExecutionType tags an execution event with what happened to the order.
type ExecutionType int32

const (
	ExecutionOrderAccepted  ExecutionType = 2
	ExecutionOrderFilled    ExecutionType = 3
	ExecutionOrderReplaced  ExecutionType = 4
	ExecutionOrderCancelled ExecutionType = 5
	ExecutionOrderExpired   ExecutionType = 6
	ExecutionOrderRejected  ExecutionType = 7
)

func (e ExecutionType) String() string {
	switch e {
	case ExecutionOrderAccepted:
		return "ORDER_ACCEPTED"
	case ExecutionOrderFilled:
		return "ORDER_FILLED"
	case ExecutionOrderReplaced:
		return "ORDER_REPLACED"
	case ExecutionOrderCancelled:
		return "ORDER_CANCELLED"
	case ExecutionOrderExpired:
		return "ORDER_EXPIRED"
	case ExecutionOrderRejected:
		return "ORDER_REJECTED"
	}
	return fmt.Sprintf("ExecutionType(%d)", int32(e))
}
