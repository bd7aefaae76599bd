// Package visa is a Go binding to the VISA standard for talking to test and
// measurement instruments over GPIB, USB, serial, Ethernet and PXI.
//
// The actual I/O is done by a backend (see package backend). A backend may
// wrap a vendor VISA library, speak TCP directly, simulate instruments or
// forward calls to a plugin process. This package adds the resource
// manager, message based resources and the conversion of instrument data.
//
// # Architecture
//
//   - ResourceManager: opens a backend session, lists and opens resources
//   - MessageResource: terminated string I/O, queries, data blocks
//   - blocks: IEEE 488.2 / HP binary blocks and ASCII value lists
//   - rname: resource name parsing and matching
//   - backend: the backend interface, registry and implementations
//   - sysinfo: the report printed by visa-info
//
// # Basic Usage
//
//	rm, err := visa.NewResourceManager(ctx, visa.WithBackend("@sim"))
//	if err != nil {
//	    return err
//	}
//	defer rm.Close()
//
//	dmm, err := rm.OpenResource(ctx, "TCPIP::localhost::INSTR")
//	if err != nil {
//	    return err
//	}
//	idn, err := dmm.Query(ctx, "*IDN?")
//
//	curve, err := visa.QueryBinaryValues[int16](ctx, scope, "CURV?",
//	    visa.BinaryOptions{BigEndian: true})
//
// # Lifecycle
//
// Resource managers and resources follow the same two state lifecycle:
//
//	Opened ──Close──► Closed
//
// Every operation on a closed object returns ErrClosed. Closing a resource
// manager closes the resources it opened first.
//
// # Logging
//
// The package is silent by default. LogToScreen or SetLogger enable
// structured logging through charmbracelet/log.
package visa

import (
	// The simulator is always available as the fallback backend.
	_ "github.com/smnsjas/go-visacore/backend/sim"
)

// Version is the library version.
const Version = "0.1.0-dev"
