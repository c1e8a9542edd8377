package httpapi

import (
	"context"

	"go.uber.org/zap"

	"github.com/stridecards/rewards/pkg/rewards"
)

// ZapOperationLogger adapts a zap logger to rewards.OperationLogger.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps a zap logger for use with rewards.WithOperationLogger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	return &ZapOperationLogger{logger: logger}
}

func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry rewards.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("status", entry.Status),
		zap.Int64("amount", entry.Amount),
	}
	if entry.Processed > 0 {
		fields = append(fields, zap.Int("processed", entry.Processed))
	}
	if entry.PackID != nil {
		fields = append(fields, zap.String("pack_id", entry.PackID.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("reward operation failed", fields...)
		return
	}
	operationLogger.logger.Info("reward operation", fields...)
}
