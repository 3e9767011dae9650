// Package app builds the opd command tree: serve runs the multi-tenant
// authorization server, keys rotate/generate manage the shared signing
// key ring out of band.
package app

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aegisid/op/pkg/logger"
)

// NewRootCmd builds the opd CLI's root command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "opd",
		Short: "opd runs the multi-tenant OpenID Connect / OAuth 2.0 provider",
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "opd.yaml", "path to the opd config file")
	if err := viper.BindPFlag("config", root.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorw("failed to bind config flag", "error", err)
	}

	viper.SetEnvPrefix("opd")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	root.AddCommand(newServeCmd())
	root.AddCommand(newKeysCmd())

	return root
}

// readConfigFile loads the file named by --config/OPD_CONFIG into viper
// before any command reads its settings.
func readConfigFile() error {
	viper.SetConfigFile(viper.GetString("config"))
	return viper.ReadInConfig()
}
