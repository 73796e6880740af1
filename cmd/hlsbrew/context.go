package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/heyjunin/HLSbrew/pkg/config"
	"github.com/heyjunin/HLSbrew/pkg/logger"
)

// flagKeys maps command-line flags to the config keys they override.
var flagKeys = map[string]string{
	"root":       "root",
	"log-level":  "log.level",
	"log-format": "log.format",
	"ledger":     "ledger.enabled",
	"workers":    "workers",
	"package":    "package.enabled",
	"publish":    "publish.enabled",
	"per-item":   "publish.per_item",
	"bucket":     "publish.bucket",
	"addr":       "server.addr",
}

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

// ensureConfig resolves the configuration once, with cmd's flags taking precedence,
// and initializes logging from it.
func (c *commandContext) ensureConfig(cmd *cobra.Command) (*config.Config, error) {
	c.configOnce.Do(func() {
		flags := map[string]*pflag.Flag{}
		for name, key := range flagKeys {
			if f := cmd.Flags().Lookup(name); f != nil {
				flags[key] = f
			}
		}

		opts := config.LoadOptions{Flags: flags}
		if c.configFlag != nil {
			opts.File = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(opts)
		if err != nil {
			c.configErr = err
			return
		}

		logger.Init(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
		c.config = cfg
	})
	return c.config, c.configErr
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
