package observability

import (
	"log/slog"
	"os"

	"github.com/kie-forge/genorchestrator/internal/config"
)

// SetupLogger configures a JSON slog logger tagged with service and env
// fields so every log line can be traced back to a deployment.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
