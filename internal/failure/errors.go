package failure

import "errors"

var (
	// ErrArityMismatch 表示批量导入时名称与地址数量不一致。
	ErrArityMismatch = errors.New("arity mismatch")
	// ErrUnknownHandler 表示缓存快照中找不到对应的 operator。
	ErrUnknownHandler = errors.New("unknown handler")
	// ErrInvalidConfiguration 表示管理端提交的配置不合法。
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrZeroAcquired 表示兑换结果为零。
	ErrZeroAcquired = errors.New("zero acquired")
	// ErrTokenMismatch 表示直接转移时源代币与目标代币不一致。
	ErrTokenMismatch = errors.New("token mismatch")
	// ErrSwapExecutionFailed 表示外部调用目标执行失败。
	ErrSwapExecutionFailed = errors.New("swap execution failed")
	// ErrHoldingsLimitExceeded 表示篮子持仓种类超过上限。
	ErrHoldingsLimitExceeded = errors.New("holdings limit exceeded")
	// ErrConflict 表示同一篮子存在并发执行。
	ErrConflict = errors.New("conflict")
	// ErrReconciliationMismatch 表示订单卖出总额与请求总额无法对账。
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")

	// ErrInvalidRequest 表示请求参数本身不合法。
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInsufficientBalance 表示账户余额或授权额度不足。
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrUnauthorized 表示调用方无权执行该操作。
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound 表示目标篮子不存在。
	ErrNotFound = errors.New("not found")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrArityMismatch, "ArityMismatch"},
	{ErrUnknownHandler, "UnknownHandler"},
	{ErrInvalidConfiguration, "InvalidConfiguration"},
	{ErrZeroAcquired, "ZeroAcquired"},
	{ErrTokenMismatch, "TokenMismatch"},
	{ErrSwapExecutionFailed, "SwapExecutionFailed"},
	{ErrHoldingsLimitExceeded, "HoldingsLimitExceeded"},
	{ErrConflict, "Conflict"},
	{ErrReconciliationMismatch, "ReconciliationMismatch"},
	{ErrInvalidRequest, "InvalidRequest"},
	{ErrInsufficientBalance, "InsufficientBalance"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrNotFound, "NotFound"},
}

// KindOf 返回错误链中第一个可识别的错误类别名称，无法识别时返回 "Internal"。
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}
