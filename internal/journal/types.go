package journal

import (
	"time"
)

// EventType 表示日志事件类型。
type EventType string

const (
	EventBasketCreated    EventType = "basket_created"
	EventBasketExtended   EventType = "basket_extended"
	EventExecutionAborted EventType = "execution_aborted"
	EventOperatorsImport  EventType = "operators_imported"
	EventCacheRebuilt     EventType = "cache_rebuilt"
	EventFeesUpdated      EventType = "fees_updated"
)

// Event 封装通用事件，BasketID 为 0 表示与具体篮子无关。
type Event struct {
	ID        int64       `json:"id"`
	Type      EventType   `json:"type"`
	BasketID  uint64      `json:"basket_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Filter 描述事件查询条件。
type Filter struct {
	Type     EventType
	BasketID uint64
	Limit    int
}

// HoldingPayload 记录单个持仓。
type HoldingPayload struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// SharePayload 记录单个受益人分得的手续费。
type SharePayload struct {
	Beneficiary string `json:"beneficiary"`
	Amount      string `json:"amount"`
}

// CommitPayload 记录一次成功执行。
type CommitPayload struct {
	ExecutionID      string           `json:"execution_id"`
	Caller           string           `json:"caller"`
	SourceToken      string           `json:"source_token"`
	TotalSellAmount  string           `json:"total_sell_amount"`
	FeePortion       string           `json:"fee_portion"`
	Retained         string           `json:"retained"`
	Royalties        string           `json:"royalties"`
	RoyaltyRecipient string           `json:"royalty_recipient,omitempty"`
	Refund           string           `json:"refund"`
	Shares           []SharePayload   `json:"shares"`
	Acquired         []HoldingPayload `json:"acquired"`
	Holdings         []HoldingPayload `json:"holdings"`
}

// AbortPayload 记录一次被中止的执行。
type AbortPayload struct {
	ExecutionID string `json:"execution_id"`
	Caller      string `json:"caller"`
	State       string `json:"state"`
	Kind        string `json:"kind"`
	Error       string `json:"error"`
}

// AdminPayload 记录管理操作。
type AdminPayload struct {
	Action string                 `json:"action"`
	Detail map[string]interface{} `json:"detail,omitempty"`
}
