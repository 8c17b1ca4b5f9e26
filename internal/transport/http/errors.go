package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/NestedFinance/nested-core-lego/internal/failure"
)

var errUnauthorized = fmt.Errorf("httpapi: 缺少或错误的管理令牌: %w", failure.ErrUnauthorized)

var statusByKind = []struct {
	err    error
	status int
}{
	{failure.ErrUnauthorized, http.StatusUnauthorized},
	{failure.ErrNotFound, http.StatusNotFound},
	{failure.ErrUnknownHandler, http.StatusNotFound},
	{failure.ErrConflict, http.StatusConflict},
	{failure.ErrArityMismatch, http.StatusBadRequest},
	{failure.ErrInvalidRequest, http.StatusBadRequest},
	{failure.ErrTokenMismatch, http.StatusBadRequest},
	{failure.ErrInvalidConfiguration, http.StatusUnprocessableEntity},
	{failure.ErrHoldingsLimitExceeded, http.StatusUnprocessableEntity},
	{failure.ErrReconciliationMismatch, http.StatusUnprocessableEntity},
	{failure.ErrInsufficientBalance, http.StatusUnprocessableEntity},
	{failure.ErrZeroAcquired, http.StatusUnprocessableEntity},
	{failure.ErrSwapExecutionFailed, http.StatusUnprocessableEntity},
}

func statusFor(err error) int {
	for _, k := range statusByKind {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

func (s *Server) abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("HTTP 请求处理失败", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": err.Error(),
		"kind":  failure.KindOf(err),
	})
}

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("httpapi: %s: %w", fmt.Sprintf(format, args...), failure.ErrInvalidRequest)
}
