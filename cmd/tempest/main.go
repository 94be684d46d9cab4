// Command tempest is a small demo host for the library: an echo server
// and a matching client over either transport.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tempest-io/tempest/config"
)

var (
	Version = "dev"

	debug      bool
	configFile = config.GetenvDefault(config.EnvPrefix+"CONFIG", "")

	rootCmd = &cobra.Command{
		Use:   "tempest",
		Short: "Typed message networking over stream and datagram transports",
		Args:  cobra.NoArgs,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setLogLevel()
		},
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: zerolog.TimeFormatUnix,
	})
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", configFile, "path of options file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(echoCmd)
}

func setLogLevel() {
	if debug {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// loadOptions resolves connection options from the --config file, or
// defaults when none is given.
func loadOptions() (*config.Options, error) {
	if configFile == "" {
		opts := &config.Options{}
		opts.ApplyDefaults()
		return opts, nil
	}
	return config.LoadOptions(configFile)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("failed to execute")
	}
}
