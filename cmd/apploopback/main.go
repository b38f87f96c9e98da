package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/apploopback/internal/config"
)

var (
	version     = "0.1.0"
	cfgFile     string
	writeConfig string
)

var rootCmd = &cobra.Command{
	Use:   "apploopback <pid>",
	Short: "Capture one process tree's audio as raw PCM",
	Long: `apploopback captures the audio rendered by a process and its child
processes through Windows process loopback and streams raw interleaved
PCM to stdout, a named pipe or a WebSocket.

Press any key or close stdin to stop.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runCapture(cmd, args))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("apploopback v%s\n", version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg.Validate()

		if writeConfig != "" {
			if err := config.SaveTo(cfg, writeConfig); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "Config written to %s\n", writeConfig)
			return
		}

		out, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is apploopback.yaml in the config dir or cwd)")
	pf.StringP("output", "o", "-", `PCM destination: "-" for stdout, pipe:\\.\pipe\NAME, or ws://host/path`)
	pf.String("silence", "zero", "silent buffers: zero (write zeros) or skip")
	pf.Int("buffer-ms", 20, "audio engine buffer duration in milliseconds")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "text", "log format (text or json)")
	pf.String("log-file", "", "write logs to a rotated file instead of stderr")

	viper.BindPFlag("output", pf.Lookup("output"))
	viper.BindPFlag("silence_policy", pf.Lookup("silence"))
	viper.BindPFlag("buffer_duration_ms", pf.Lookup("buffer-ms"))
	viper.BindPFlag("log_level", pf.Lookup("log-level"))
	viper.BindPFlag("log_format", pf.Lookup("log-format"))
	viper.BindPFlag("log_file", pf.Lookup("log-file"))

	configCmd.Flags().StringVar(&writeConfig, "write", "", "write the effective configuration to this path")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
