// Package cli implements the browser-agent command line: client commands
// that drive a running server, and server process control.
package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shehryarbajwa/browser-agent/internal/config"
)

// ErrCommandFailed is returned when the server reported a failed command.
// The result has already been printed.
var ErrCommandFailed = errors.New("command failed")

type options struct {
	v        *viper.Viper
	envFiles []string
}

func (o *options) config() (*config.Config, error) {
	cfg, err := config.Load(o.v, o.envFiles...)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Execute runs the CLI with os.Args and prints any error to stderr.
func Execute(stderr io.Writer) error {
	err := NewRootCmd().Execute()
	if err != nil && !errors.Is(err, ErrCommandFailed) {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return err
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&options{v: viper.New()})
}

func newRootCmd(o *options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "browser-agent",
		Short:         "Drive a persistent browser session from the command line",
		Long:          "browser-agent runs a long-lived browser server and sends it commands: navigate, execute scripts, read the DOM, fill and click, take screenshots, read console output and run vision helpers.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("server", "", "server URL (env BROWSER_AGENT_SERVER_URL)")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default ~/.browser_agent)")
	_ = o.v.BindPFlag(config.KeyServerURL, rootCmd.PersistentFlags().Lookup("server"))
	_ = o.v.BindPFlag(config.KeyDataDir, rootCmd.PersistentFlags().Lookup("data-dir"))

	rootCmd.AddCommand(newServerCmd(o))
	rootCmd.AddCommand(newClientCmds(o)...)
	return rootCmd
}
