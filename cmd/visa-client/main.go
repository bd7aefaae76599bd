// visa-client lists, queries and reads data from instruments through any
// registered backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	visa "github.com/smnsjas/go-visacore"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	_ "github.com/smnsjas/go-visacore/backend/ivi"
	_ "github.com/smnsjas/go-visacore/backend/plugin"
	_ "github.com/smnsjas/go-visacore/backend/sim"
	_ "github.com/smnsjas/go-visacore/backend/tcpip"
)

const (
	flagBackend  = "backend"
	flagLogLevel = "log-level"
	flagTimeout  = "timeout"
)

// app holds the state shared by the subcommands.
type app struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	a.v.SetEnvPrefix("VISA")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "visa-client",
		Short:         "Talk to test and measurement instruments",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := a.v.GetString(flagLogLevel)
			if level == "" {
				return nil
			}
			lvl, err := log.ParseLevel(level)
			if err != nil {
				return fmt.Errorf("invalid --%s: %w", flagLogLevel, err)
			}
			visa.LogToScreen(lvl)
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagBackend, "", `backend specification, e.g. "@sim", "@tcpip" or "/path/libvisa.so@ivi"`)
	flags.String(flagLogLevel, "", "log to stderr at this level (debug, info, warn, error)")
	flags.Duration(flagTimeout, visa.DefaultTimeout, "I/O timeout, 0 waits forever")
	// Binding only fails for a nil flag.
	_ = a.v.BindPFlags(flags)

	cmd.AddCommand(a.listCmd(), a.queryCmd(), a.writeCmd(), a.readValuesCmd())
	return cmd
}

// resourceManager opens a resource manager on the selected backend.
func (a *app) resourceManager(ctx context.Context) (*visa.ResourceManager, error) {
	var opts []visa.Option
	if spec := a.v.GetString(flagBackend); spec != "" {
		opts = append(opts, visa.WithBackend(spec))
	}
	return visa.NewResourceManager(ctx, opts...)
}

// open opens name and hands it to fn. Everything is closed afterwards.
func (a *app) open(ctx context.Context, name string, fn func(*visa.MessageResource) error) (err error) {
	rm, err := a.resourceManager(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rm.Close(); err == nil {
			err = cerr
		}
	}()

	timeout := a.v.GetDuration(flagTimeout)
	if timeout == 0 {
		timeout = visa.Infinite
	}
	r, err := rm.OpenResource(ctx, name, visa.WithTimeout(timeout))
	if err != nil {
		return err
	}
	return fn(r)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cancel()
		os.Exit(1)
	}
}

// elapsed formats a duration for the command summaries.
func elapsed(start time.Time) string {
	return time.Since(start).Round(time.Microsecond).String()
}
