// Command siptx runs a SIP user agent on top of the transaction layer.
//
//	siptx serve --listen 0.0.0.0:5060 --status 486
//	siptx send --method INVITE sip:bob@192.0.2.10
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/voipkit/siptx/internal/config"
	"github.com/voipkit/siptx/internal/log"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// app is the state shared by all commands.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	log     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	cmd := &cobra.Command{
		Use:               "siptx",
		Short:             "SIP transaction layer user agent",
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: a.init,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "Configuration file path")
	pf.String("log-level", "", "Log level (debug|info|warn|error)")
	pf.String("log-format", "", "Log format (console|dev|json)")
	pf.Duration("t1", 0, "SIP timer T1, RTT estimate (default 500ms)")
	pf.Duration("t2", 0, "SIP timer T2, maximum retransmit interval (default 4s)")
	pf.Duration("t4", 0, "SIP timer T4, maximum message lifetime (default 5s)")
	pf.String("dns", "", "DNS server address used to resolve targets")

	bindFlag(a.v, pf, "log-level", "log.level")
	bindFlag(a.v, pf, "log-format", "log.format")
	bindFlag(a.v, pf, "t1", "timings.t1")
	bindFlag(a.v, pf, "t2", "timings.t2")
	bindFlag(a.v, pf, "t4", "timings.t4")
	bindFlag(a.v, pf, "dns", "dns.nameserver")

	cmd.AddCommand(newServeCmd(a), newSendCmd(a))
	return cmd
}

func bindFlag(v *viper.Viper, fs *pflag.FlagSet, flagName, configKey string) {
	_ = v.BindPFlag(configKey, fs.Lookup(flagName))
}

func (a *app) init(cmd *cobra.Command, _ []string) error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	cfg, err := config.LoadWithViper(a.v)
	if err != nil {
		return err
	}

	lvl, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger, err := log.New(cmd.ErrOrStderr(), log.Format(cfg.Log.Format), lvl)
	if err != nil {
		return err
	}
	log.SetDefault(logger)

	a.cfg, a.log = cfg, logger
	a.log.Debug("configuration loaded", "config", a.v.ConfigFileUsed(), "timings", cfg.Timings())
	return nil
}
