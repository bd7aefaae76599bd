// visa-info prints the machine, Go and backend details needed in bug
// reports.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
	visa "github.com/smnsjas/go-visacore"
	"github.com/smnsjas/go-visacore/sysinfo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	_ "github.com/smnsjas/go-visacore/backend/ivi"
	_ "github.com/smnsjas/go-visacore/backend/plugin"
	_ "github.com/smnsjas/go-visacore/backend/sim"
	_ "github.com/smnsjas/go-visacore/backend/tcpip"
)

const (
	flagNoBackends = "no-backends"
	flagJSON       = "json"
	flagIndent     = "indent"
	flagLogLevel   = "log-level"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("VISA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "visa-info",
		Short:         "Print details about the machine, Go and the VISA backends",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return configureLogging(v.GetString(flagLogLevel))
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			details, err := sysinfo.Collect(cmd.Context(), !v.GetBool(flagNoBackends))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if v.GetBool(flagJSON) {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(details)
			}
			indent := v.GetInt(flagIndent)
			if indent < 0 {
				return fmt.Errorf("invalid --%s %d: must not be negative", flagIndent, indent)
			}
			_, err = io.WriteString(out, render(details.Format(indent), isTerminal(out)))
			return err
		},
	}

	flags := cmd.Flags()
	flags.Bool(flagNoBackends, false, "skip instantiating the backends")
	flags.Bool(flagJSON, false, "print the details as JSON")
	flags.Int(flagIndent, sysinfo.DefaultIndent, "spaces per indentation level")
	flags.String(flagLogLevel, "", "log to stderr at this level (debug, info, warn, error)")
	// Binding only fails for a nil flag.
	_ = v.BindPFlags(flags)
	return cmd
}

func configureLogging(level string) error {
	if level == "" {
		return nil
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid --%s: %w", flagLogLevel, err)
	}
	visa.LogToScreen(lvl)
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		cancel()
		os.Exit(1)
	}
}
