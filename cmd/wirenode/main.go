// Command wirenode runs one wire node: it publishes the receivers it exports and imports
// every endpoint other nodes publish under the same directory root.
//
//	wirenode -node n1 -backend etcd -etcd 10.0.0.1:2379 -echo
package main

import (
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"mini-wire/config"
	"mini-wire/logging"
	"mini-wire/node"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "wirenode:", err)
		os.Exit(2)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, "wirenode:", err)
		os.Exit(2)
	}
	defer logger.Sync()

	fx.New(
		fx.Supply(logger),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		node.Module(cfg),
	).Run()
}
