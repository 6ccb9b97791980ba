package extra

import (
	"encoding/json"
	"net/http"

	"github.com/sakamotopaya/code-agent-sub007/shared/config"
	"go.uber.org/zap"
)

// Counter reports how many items of something are live.
type Counter interface {
	Count() int
}

// StatusResponse represents the response structure for the status endpoint
type StatusResponse struct {
	Config  string `json:"config"`
	Version string `json:"version,omitempty"`
	Jobs    int    `json:"jobs"`
	Streams int    `json:"streams"`
}

// StatusHandler creates an HTTP handler for checking system status. It always
// answers 200; component problems show up in the body.
func StatusHandler(cfg config.IConfig, logger *zap.Logger, jobs, streams Counter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handlerLogger := logger.With(zap.String("handler", "StatusHandler"))

		response := StatusResponse{Config: "ok"}
		if err := cfg.Status(r.Context()); err != nil {
			handlerLogger.Error("Failed to get config status", zap.Error(err))
			response.Config = "error"
		}
		if version, err := cfg.ServerVersion(); err == nil {
			response.Version = version
		}
		if jobs != nil {
			response.Jobs = jobs.Count()
		}
		if streams != nil {
			response.Streams = streams.Count()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(response); err != nil {
			handlerLogger.Warn("Failed to write status", zap.Error(err))
		}
	}
}
