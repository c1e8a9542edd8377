package rewards

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes one user-facing reward operation.
type OperationLog struct {
	Operation string
	UserID    UserID
	PackID    *PackID
	Amount    int64
	Processed int
	Status    string
	Error     error
}

// EventSink receives committed state changes for downstream fan-out. A nil
// sink disables publishing.
type EventSink interface {
	ActivitiesSynced(ctx context.Context, userID UserID, result SyncResult)
	PackOpened(ctx context.Context, userID UserID, result OpenResult)
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithEventSink wires a sink notified after successful state changes.
func WithEventSink(sink EventSink) ServiceOption {
	return func(service *Service) {
		service.events = sink
	}
}
