package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"burrow/backend"
	"burrow/config"
	"burrow/controller"
	"burrow/protocol"
	"burrow/utils"
)

func main() {
	var setting config.ServerSetting
	var logLevel, logPath string

	root := &cobra.Command{
		Use:           "burrowd",
		Short:         "burrow tunnel server",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			bindEnv(cmd.Flags())
			utils.Setup(logLevel, logPath)
			defer utils.Logger.Sync()

			if err := protocol.CheckTimeouts(); err != nil {
				return err
			}

			bk := backend.New(setting.BackendURL, setting.BackendAPIKey)
			srv, err := controller.NewServer(&setting, bk, bk)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Listen(ctx)
		},
	}

	flags := root.Flags()
	flags.Uint16Var(&setting.MinPort, "min-port", 1024, "minimum accepted TCP port number")
	flags.Uint16Var(&setting.MaxPort, "max-port", 65535, "maximum accepted TCP port number")
	flags.StringVarP(&setting.Secret, "secret", "s", "", "optional shared secret for authentication (deprecated, use the backend API)")
	flags.StringVar(&setting.BackendURL, "backend-url", "", "backend API URL for user authentication and usage tracking")
	flags.StringVar(&setting.BackendAPIKey, "backend-api-key", "", "internal API key for backend status updates")
	flags.StringVar(&setting.ServerID, "server-id", "default", "server ID for multi-server deployments")
	flags.StringVar(&setting.BindAddr, "bind-addr", "0.0.0.0", "IP address to bind to, clients must reach this")
	flags.StringVar(&setting.BindTunnels, "bind-tunnels", "", "IP address where tunnels will listen on, defaults to --bind-addr")
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
