package node

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"mini-wire/config"
)

// Module provides a *Node built from cfg and ties its Start and Stop to the fx
// lifecycle. The graph must supply a *zap.Logger.
func Module(cfg config.Config, opts ...Option) fx.Option {
	return fx.Module("node",
		fx.Supply(cfg),
		fx.Provide(func(cfg config.Config, logger *zap.Logger) (*Node, error) {
			return New(cfg, logger, opts...)
		}),
		fx.Invoke(registerLifecycle),
	)
}

func registerLifecycle(lc fx.Lifecycle, n *Node) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return n.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return n.Stop(ctx)
		},
	})
}
