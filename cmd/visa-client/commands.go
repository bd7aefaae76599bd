package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	visa "github.com/smnsjas/go-visacore"
	"github.com/smnsjas/go-visacore/blocks"
	"github.com/smnsjas/go-visacore/constants"
	"github.com/smnsjas/go-visacore/rname"
	"github.com/spf13/cobra"
)

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [query]",
		Short: "List the resources matching a query (default " + visa.DefaultQuery + ")",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := visa.DefaultQuery
			if len(args) == 1 {
				query = args[0]
			}

			rm, err := a.resourceManager(cmd.Context())
			if err != nil {
				return err
			}
			defer rm.Close()

			names, err := rm.ListResources(cmd.Context(), query)
			if err != nil {
				return err
			}
			writeResourceTable(cmd.OutOrStdout(), names)
			fmt.Fprintf(cmd.OutOrStdout(), "%s resource(s) on %s\n", humanize.Comma(int64(len(names))), rm.Backend().Name())
			return nil
		},
	}
}

func writeResourceTable(w io.Writer, names []string) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"RESOURCE", "INTERFACE", "BOARD", "CLASS", "ADDRESS"})
	for _, name := range names {
		n, err := rname.Parse(name)
		if err != nil {
			t.AppendRow(table.Row{name, "?", "", "", ""})
			continue
		}
		t.AppendRow(table.Row{name, n.Interface, n.Board, n.Class, address(n)})
	}
	t.Render()
}

// address is the interface specific part of a resource name.
func address(n rname.Name) string {
	switch n.Interface {
	case constants.InterfaceGPIB:
		if n.Secondary >= 0 {
			return fmt.Sprintf("%d.%d", n.Primary, n.Secondary)
		}
		return strconv.Itoa(n.Primary)
	case constants.InterfaceTCPIP:
		if n.Class == rname.ClassSocket {
			return fmt.Sprintf("%s:%d", n.Host, n.Port)
		}
		return n.Host
	case constants.InterfaceUSB:
		return strings.Join([]string{n.Manufacturer, n.Model, n.Serial}, ":")
	default:
		return ""
	}
}

func (a *app) queryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query <resource> <command>",
		Short: "Send a command and print the response",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd.Context(), args[0], func(r *visa.MessageResource) error {
				start := time.Now()
				resp, err := r.Query(cmd.Context(), args[1])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp)
				logSummary(len(resp), start)
				return nil
			})
		},
	}
}

func (a *app) writeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write <resource> <command>",
		Short: "Send a command without reading a response",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd.Context(), args[0], func(r *visa.MessageResource) error {
				start := time.Now()
				n, err := r.Write(cmd.Context(), args[1])
				if err != nil {
					return err
				}
				logSummary(n, start)
				return nil
			})
		},
	}
}

func logSummary(n int, start time.Time) {
	visa.Logger().Info("done", "bytes", humanize.Bytes(uint64(max(n, 0))), "elapsed", elapsed(start))
}

const (
	flagBinary    = "binary"
	flagASCII     = "ascii"
	flagDatatype  = "datatype"
	flagBigEndian = "big-endian"
	flagFormat    = "format"
	flagConverter = "converter"
	flagSeparator = "separator"
)

type valuesOptions struct {
	binary    bool
	datatype  string
	bigEndian bool
	format    string
	converter string
	separator string
}

// valuesOptions reads the read-values settings, from the command line or
// the VISA_* environment.
func (a *app) valuesOptions() valuesOptions {
	return valuesOptions{
		binary:    a.v.GetBool(flagBinary),
		datatype:  a.v.GetString(flagDatatype),
		bigEndian: a.v.GetBool(flagBigEndian),
		format:    a.v.GetString(flagFormat),
		converter: a.v.GetString(flagConverter),
		separator: a.v.GetString(flagSeparator),
	}
}

func (a *app) readValuesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read-values <resource> <command>",
		Short: "Query a list of values as ASCII (default) or a binary block",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd.Context(), args[0], func(r *visa.MessageResource) error {
				values, err := a.valuesOptions().query(cmd.Context(), r, args[1])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, v := range values {
					fmt.Fprintln(out, v)
				}
				fmt.Fprintf(out, "%s value(s)\n", humanize.Comma(int64(len(values))))
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.Bool(flagBinary, false, "read a binary block")
	flags.Bool(flagASCII, true, "read separated ASCII values")
	flags.String(flagDatatype, "float32", "binary element type (int8 ... uint64, float32, float64)")
	flags.Bool(flagBigEndian, false, "binary data is big endian")
	flags.String(flagFormat, "ieee", "binary block header (ieee, hp, empty)")
	flags.String(flagConverter, "f", "ASCII converter code (d, f, e, g, x, o, b)")
	flags.String(flagSeparator, blocks.DefaultSeparator, "ASCII separator")
	cmd.MarkFlagsMutuallyExclusive(flagBinary, flagASCII)
	_ = a.v.BindPFlags(flags)
	return cmd
}

// query runs the value query selected by the options. Values are returned
// as any so that every element type prints with its natural format.
func (o valuesOptions) query(ctx context.Context, r *visa.MessageResource, command string) ([]any, error) {
	if !o.binary {
		if len(o.converter) != 1 {
			return nil, fmt.Errorf("invalid converter %q", o.converter)
		}
		opts := visa.ASCIIOptions{Converter: o.converter[0], Separator: o.separator}
		if strings.ContainsAny(o.converter, "dxXob") {
			return queryASCII[int64](ctx, r, command, opts)
		}
		return queryASCII[float64](ctx, r, command, opts)
	}

	opts := visa.BinaryOptions{BigEndian: o.bigEndian}
	switch o.format {
	case "ieee":
		opts.Format = visa.BlockIEEE
	case "hp":
		opts.Format = visa.BlockHP
	case "empty":
		opts.Format = visa.BlockEmpty
	default:
		return nil, fmt.Errorf("%w: %q", visa.ErrUnknownBlockFormat, o.format)
	}

	switch o.datatype {
	case "int8":
		return queryBinary[int8](ctx, r, command, opts)
	case "uint8":
		return queryBinary[uint8](ctx, r, command, opts)
	case "int16":
		return queryBinary[int16](ctx, r, command, opts)
	case "uint16":
		return queryBinary[uint16](ctx, r, command, opts)
	case "int32":
		return queryBinary[int32](ctx, r, command, opts)
	case "uint32":
		return queryBinary[uint32](ctx, r, command, opts)
	case "int64":
		return queryBinary[int64](ctx, r, command, opts)
	case "uint64":
		return queryBinary[uint64](ctx, r, command, opts)
	case "float32":
		return queryBinary[float32](ctx, r, command, opts)
	case "float64":
		return queryBinary[float64](ctx, r, command, opts)
	default:
		return nil, fmt.Errorf("unsupported datatype %q", o.datatype)
	}
}

func queryASCII[T blocks.Numeric](ctx context.Context, r *visa.MessageResource, command string, opts visa.ASCIIOptions) ([]any, error) {
	values, err := visa.QueryASCIIValues[T](ctx, r, command, opts)
	return boxed(values), err
}

func queryBinary[T blocks.Number](ctx context.Context, r *visa.MessageResource, command string, opts visa.BinaryOptions) ([]any, error) {
	values, err := visa.QueryBinaryValues[T](ctx, r, command, opts)
	return boxed(values), err
}

func boxed[T any](values []T) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
