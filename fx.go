package flushz

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// FXModule provides the logger and a *Provider built from a Config supplied
// by the application. Use LoadConfig to fill one from file and environment.
var FXModule = fx.Module("flushz",
	fx.Provide(
		LoadLogConfig,
		NewLogger,
		newFXProvider,
	),
	fx.Invoke(RegisterLifecycle),
)

type providerParams struct {
	fx.In

	Config  Config
	Logger  *zap.Logger
	Options []Option `optional:"true"`
}

func newFXProvider(p providerParams) (*Provider, error) {
	opts := append([]Option{WithLogger(p.Logger)}, p.Options...)
	return NewProvider(p.Config, opts...)
}

// RegisterLifecycle shuts the provider down and syncs the logger on stop.
func RegisterLifecycle(lc fx.Lifecycle, provider *Provider, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down flushz provider...")
			err := provider.Shutdown(ctx)
			// Sync fails on stderr for some platforms, nothing to report.
			_ = logger.Sync()
			return err
		},
	})
}
