package core

import (
	"sync"

	"go.uber.org/zap"
)

// Telemetry event names.
const (
	TelemetryTaskCreated   = "task_created"
	TelemetryTaskCompleted = "task_completed"
	TelemetryTaskAborted   = "task_aborted"
	TelemetryToolFailed    = "tool_failed"
	TelemetryTaskCancelled = "task_cancelled"
)

// ITelemetryService records product events. Implementations must not block.
type ITelemetryService interface {
	CaptureEvent(name string, props map[string]any)
}

var (
	telemetryMu      sync.RWMutex
	telemetryService ITelemetryService = NopTelemetry{}
)

// RegisterTelemetry installs the process-wide service. nil restores the no-op.
func RegisterTelemetry(s ITelemetryService) {
	telemetryMu.Lock()
	defer telemetryMu.Unlock()
	if s == nil {
		s = NopTelemetry{}
	}
	telemetryService = s
}

// Telemetry returns the process-wide service.
func Telemetry() ITelemetryService {
	telemetryMu.RLock()
	defer telemetryMu.RUnlock()
	return telemetryService
}

type NopTelemetry struct{}

func (NopTelemetry) CaptureEvent(string, map[string]any) {}

// ZapTelemetry writes events to a logger at debug level.
type ZapTelemetry struct {
	logger *zap.Logger
}

func NewZapTelemetry(logger *zap.Logger) *ZapTelemetry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapTelemetry{logger: logger.Named("telemetry")}
}

func (t *ZapTelemetry) CaptureEvent(name string, props map[string]any) {
	fields := make([]zap.Field, 0, len(props)+1)
	fields = append(fields, zap.String("event", name))
	for k, v := range props {
		fields = append(fields, zap.Any(k, v))
	}
	t.logger.Debug("Telemetry event", fields...)
}
