// visa-sim-plugin serves the simulated instruments as a backend plugin.
// Build it, point VISA_PLUGIN at the binary and select the "@plugin"
// backend. VISA_SIM_DEFINITIONS selects the instrument definitions.
package main

import (
	"fmt"
	"os"

	"github.com/smnsjas/go-visacore/backend"
	"github.com/smnsjas/go-visacore/backend/plugin"
	"github.com/smnsjas/go-visacore/backend/sim"
)

func main() {
	b, err := backend.New(sim.Name)
	if err != nil {
		fmt.Fprintln(os.Stderr, "visa-sim-plugin:", err)
		os.Exit(1)
	}
	plugin.Serve(b)
}
