package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool

	globalConfig = defaultFileConfig()
)

// fileConfig is the optional YAML configuration shared by the commands.
// Flags override whatever the file sets.
type fileConfig struct {
	// Listen is the serve command's bind address.
	Listen string `yaml:"listen,omitempty"`
	// Path is the WebSocket endpoint path.
	Path string `yaml:"path,omitempty"`
	// URL is the chat command's server endpoint.
	URL string `yaml:"url,omitempty"`
	// SilenceDuration is the session silence_duration passed in Config.
	SilenceDuration float64 `yaml:"silence_duration,omitempty"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Listen:          ":8080",
		Path:            "/chat",
		URL:             "ws://localhost:8080/chat",
		SilenceDuration: -1,
	}
}

var rootCmd = &cobra.Command{
	Use:   "chatapi-echo",
	Short: "Echo server and terminal client for the chat protocol",
	Long: `chatapi-echo - a reference endpoint pair for the chat protocol.

The serve command runs a WebSocket server that answers every request by
echoing the input back as a streamed text response. The chat command
connects to such a server and runs a line-oriented conversation from the
terminal.

Examples:
  # Run the echo server
  chatapi-echo serve --listen :8080

  # Chat against it
  chatapi-echo chat --url ws://localhost:8080/chat
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
}

func initConfig() {
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
	if cfgFile == "" {
		return
	}
	data, err := os.ReadFile(cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	if err := yaml.Unmarshal(data, &globalConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Error: parse %s: %v\n", cfgFile, err)
		os.Exit(1)
	}
}
