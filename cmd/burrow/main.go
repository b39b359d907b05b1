package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"burrow/config"
	"burrow/controller"
	"burrow/protocol"
	"burrow/utils"
)

func main() {
	var setting config.ClientSetting
	var logLevel, logPath string

	root := &cobra.Command{
		Use:           "burrow <local_port>",
		Short:         "burrow tunnel client, exposes a local TCP service through a remote server",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			bindEnv(cmd.Flags())

			port, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil || port == 0 {
				return errors.Errorf("invalid local port %q", args[0])
			}
			setting.LocalPort = uint16(port)

			utils.Setup(logLevel, logPath)
			defer utils.Logger.Sync()

			if err := protocol.CheckTimeouts(); err != nil {
				return err
			}

			client, err := controller.NewClient(&setting)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return client.Listen(ctx)
		},
	}

	flags := root.Flags()
	flags.StringVar(&setting.LocalHost, "local-host", "localhost", "address of the local service to expose")
	flags.StringVar(&setting.To, "to", "localhost", "address of the remote tunnel server")
	flags.Uint16Var(&setting.Port, "port", 0, "requested public port, 0 lets the server assign one")
	flags.StringVarP(&setting.Secret, "secret", "s", "", "API key (sk_/tk_ prefix) or legacy shared secret")
	flags.BoolVar(&setting.Prewarm, "prewarm", false, "keep pre-dialed connections to the local service")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&logPath, "log-file", "", "optional rotated log file path")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// bindEnv 让每个未显式传入的 flag 读取 BURROW_* 环境变量。
func bindEnv(flags *pflag.FlagSet) {
	v := viper.New()
	v.SetEnvPrefix("BURROW")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	flags.VisitAll(func(f *pflag.Flag) {
		if !f.Changed && v.IsSet(f.Name) {
			_ = f.Value.Set(v.GetString(f.Name))
		}
	})
}
