// Package plugin runs a backend in a separate process and talks to it over
// net/rpc using hashicorp/go-plugin.
//
// A plugin is any executable whose main calls Serve with a backend
// implementation. The host launches it with Launch (or through the "plugin"
// registry entry, which reads the executable from VISA_PLUGIN) and gets a
// backend.Backend whose calls are forwarded to the plugin process:
//
//	host                          plugin process
//	────                          ──────────────
//	Client.Read ──net/rpc──────► RPCServer.Read ──► Impl.Read
//	            ◄──ReadReply────
//
// Status codes survive the round trip, so errors.Is(err,
// constants.StatusErrorTimeout) works on the host side.
package plugin

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net/rpc"
	"os"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
	"github.com/smnsjas/go-visacore/backend"
)

// Name is the registered backend name.
const Name = "plugin"

// PluginEnv names the environment variable holding the plugin executable.
const PluginEnv = "VISA_PLUGIN"

// PluginName is the name the backend is dispensed under.
const PluginName = "visa"

// Handshake must match between host and plugin.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "VISA_PLUGIN_COOKIE",
	MagicCookieValue: "3b1e8a6c-visa-backend",
}

// ErrNoPlugin is returned when no plugin executable is configured.
var ErrNoPlugin = errors.New("no plugin executable configured")

func init() {
	gob.Register(backend.DebugInfo{})
	gob.Register(map[string]any{})
	gob.Register([]any{})

	backend.Register(Name, func() (backend.Backend, error) {
		path := os.Getenv(PluginEnv)
		if path == "" {
			return nil, fmt.Errorf("%w: set %s", ErrNoPlugin, PluginEnv)
		}
		c, err := Launch(Options{Path: path})
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// VISAPlugin is the go-plugin definition of a backend.
type VISAPlugin struct {
	// Impl is the served backend. Only the plugin side sets it.
	Impl backend.Backend
}

// Server implements goplugin.Plugin.
func (p *VISAPlugin) Server(*goplugin.MuxBroker) (any, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

// Client implements goplugin.Plugin.
func (p *VISAPlugin) Client(_ *goplugin.MuxBroker, c *rpc.Client) (any, error) {
	return &Client{rpc: c}, nil
}

// PluginMap returns the plugin set served or consumed under PluginName.
func PluginMap(impl backend.Backend) map[string]goplugin.Plugin {
	return map[string]goplugin.Plugin{PluginName: &VISAPlugin{Impl: impl}}
}

// Serve serves impl to the host. It is called from the plugin's main and
// does not return.
func Serve(impl backend.Backend) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         PluginMap(impl),
	})
}

// Options configures Launch.
type Options struct {
	// Path is the plugin executable.
	Path string
	// Args are passed to the plugin executable.
	Args []string
	// Logger receives the plugin's log output. Nil discards it.
	Logger hclog.Logger
}

// Launch starts the plugin executable and returns a backend forwarding to
// it. Call Shutdown to stop the process.
func Launch(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{Name: "visa-plugin", Output: io.Discard, Level: hclog.Off})
	}

	pc := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap(nil),
		Cmd:              exec.Command(opts.Path, opts.Args...), // #nosec G204 -- user configured plugin
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
		Logger:           logger,
	})

	proto, err := pc.Client()
	if err != nil {
		pc.Kill()
		return nil, fmt.Errorf("start plugin %s: %w", opts.Path, err)
	}
	raw, err := proto.Dispense(PluginName)
	if err != nil {
		pc.Kill()
		return nil, fmt.Errorf("dispense plugin %s: %w", opts.Path, err)
	}
	c, ok := raw.(*Client)
	if !ok {
		pc.Kill()
		return nil, fmt.Errorf("plugin %s: unexpected type %T", opts.Path, raw)
	}
	c.process = pc
	return c, nil
}
