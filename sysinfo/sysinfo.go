// Package sysinfo gathers the system and backend details printed by
// visa-info. They are the first thing to look at when a backend refuses to
// load: platform, word size, module version and what every registered
// backend reports about itself.
package sysinfo

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/smnsjas/go-visacore/backend"
	"golang.org/x/sync/errgroup"
)

// ModulePath is the import path whose version is reported.
const ModulePath = "github.com/smnsjas/go-visacore"

// DefaultIndent is the number of spaces per nesting level in Format.
const DefaultIndent = 3

// concurrency bounds how many backends are inspected at once. Some
// backends start processes or load libraries.
const concurrency = 4

// Details describes the running system.
type Details struct {
	OS            string         `json:"os"`
	OSVersion     string         `json:"os_version"`
	CPU           string         `json:"cpu"`
	GoVersion     string         `json:"go_version"`
	Compiler      string         `json:"compiler"`
	Bits          int            `json:"bits"`
	Executable    string         `json:"executable"`
	ModuleVersion string         `json:"module_version"`
	Backends      map[string]any `json:"backends"`
}

// Collect returns the system details. With withBackends every registered
// backend is instantiated and asked for its debug info, concurrently.
// A backend that fails is reported in Backends, it does not fail Collect.
func Collect(ctx context.Context, withBackends bool) (*Details, error) {
	d := &Details{
		OS:            runtime.GOOS,
		OSVersion:     osVersion(),
		CPU:           runtime.GOARCH,
		GoVersion:     runtime.Version(),
		Compiler:      runtime.Compiler,
		Bits:          strconv.IntSize,
		ModuleVersion: moduleVersion(),
		Backends:      map[string]any{},
	}
	if exe, err := os.Executable(); err == nil {
		d.Executable = exe
	}
	if !withBackends {
		return d, nil
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, name := range backend.List() {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			info := backendDetails(name)
			mu.Lock()
			d.Backends[name] = info
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return d, nil
}

// backendDetails instantiates a backend and returns its debug info or the
// reason it could not be obtained.
func backendDetails(name string) any {
	b, err := backend.New(name)
	if err != nil {
		return []any{"Could not instantiate backend", "-> " + err.Error()}
	}
	if s, ok := b.(interface{ Shutdown() }); ok {
		defer s.Shutdown()
	}
	info, err := b.DebugInfo()
	if err != nil {
		return []any{"Could not obtain debug info", "-> " + err.Error()}
	}
	return info
}

func moduleVersion() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	if bi.Main.Path == ModulePath {
		return bi.Main.Version
	}
	for _, dep := range bi.Deps {
		if dep.Path == ModulePath {
			if dep.Replace != nil {
				return dep.Replace.Version
			}
			return dep.Version
		}
	}
	return "(devel)"
}

// String renders the details with DefaultIndent.
func (d *Details) String() string {
	return d.Format(DefaultIndent)
}

// Format renders the details as text, indenting nested backend values by
// indent spaces per level. A negative indent counts as 0.
func (d *Details) Format(indent int) string {
	indent = max(indent, 0)
	pad := strings.Repeat(" ", indent)
	platform := d.OS
	if d.OSVersion != "" {
		platform += " " + d.OSVersion
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Machine Details:\n")
	fmt.Fprintf(&b, "%sPlatform ID:    %s\n", pad, platform)
	fmt.Fprintf(&b, "%sProcessor:      %s\n", pad, d.CPU)
	fmt.Fprintf(&b, "\nGo:\n")
	fmt.Fprintf(&b, "%sVersion:        %s\n", pad, d.GoVersion)
	fmt.Fprintf(&b, "%sCompiler:       %s\n", pad, d.Compiler)
	fmt.Fprintf(&b, "%sBits:           %d\n", pad, d.Bits)
	fmt.Fprintf(&b, "%sExecutable:     %s\n", pad, d.Executable)
	fmt.Fprintf(&b, "\ngo-visacore Version: %s\n", d.ModuleVersion)
	fmt.Fprintf(&b, "\nBackends:\n")
	for _, line := range formatValue("", d.Backends, indent, 0) {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// formatValue flattens a debug info tree into lines. Maps and lists get a
// "key:" header (omitted for an empty key) followed by their children one
// level deeper. Map keys are sorted.
func formatValue(key string, value any, indent, level int) []string {
	sp := strings.Repeat(" ", indent*level)

	header := func() []string {
		if key == "" {
			return nil
		}
		return []string{sp + key + ":"}
	}

	switch v := value.(type) {
	case backend.DebugInfo:
		return formatMap(header(), v, indent, level)
	case map[string]any:
		return formatMap(header(), v, indent, level)
	case []any:
		lines := header()
		for _, item := range v {
			lines = append(lines, formatValue("", item, indent, level+1)...)
		}
		return lines
	case []string:
		lines := header()
		for _, item := range v {
			lines = append(lines, formatValue("", item, indent, level+1)...)
		}
		return lines
	default:
		text := fmt.Sprint(v)
		if key == "" {
			return []string{sp + text}
		}
		return []string{sp + key + ": " + text}
	}
}

func formatMap(lines []string, m map[string]any, indent, level int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, formatValue(k, m[k], indent, level+1)...)
	}
	return lines
}
