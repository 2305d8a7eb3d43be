package cli

import (
	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ferryfi/ferry/cli/commands"
	"github.com/ferryfi/ferry/pkg/rpcclient"
	"github.com/ferryfi/ferry/utils"
)

func Run(version string) error {
	var cmd = &cobra.Command{
		Use: "ferry - cross chain swap coordinator",
		Run: func(c *cobra.Command, args []string) {
			c.HelpFunc()(c, args)
		},
		Version:           version,
		DisableAutoGenTag: true,
	}

	envConfig, err := utils.LoadExtendedConfig(utils.DefaultConfigPath())
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	if envConfig.Sentry != "" {
		client, err := sentry.NewClient(sentry.ClientOptions{Dsn: envConfig.Sentry})
		if err != nil {
			return err
		}
		cfg := zapsentry.Configuration{
			Level: zapcore.ErrorLevel,
		}
		core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(client))
		if err != nil {
			return err
		}
		logger = zapsentry.AttachCoreToLogger(core, logger)
		defer logger.Sync()
	}

	rpcClient := rpcclient.New("http://localhost" + envConfig.Listen)

	cmd.AddCommand(commands.Start(envConfig, logger))
	cmd.AddCommand(commands.Create(envConfig, rpcClient))
	cmd.AddCommand(commands.List(rpcClient))
	cmd.AddCommand(commands.Cancel(rpcClient))
	cmd.AddCommand(commands.Retry(rpcClient))
	cmd.AddCommand(commands.Reveal(rpcClient))
	cmd.AddCommand(commands.Accounts(envConfig))
	if err := cmd.Execute(); err != nil {
		return err
	}
	return nil
}
