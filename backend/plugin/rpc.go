package plugin

import (
	"context"
	"fmt"
	"net/rpc"
	"time"

	goplugin "github.com/hashicorp/go-plugin"
	"github.com/smnsjas/go-visacore/backend"
	"github.com/smnsjas/go-visacore/constants"
	"github.com/smnsjas/go-visacore/library"
)

// Reply is embedded in every RPC reply. net/rpc drops the reply when a
// method returns an error, so failures travel in Err and Status instead.
type Reply struct {
	Status constants.StatusCode
	Err    string
}

func newReply(status constants.StatusCode, err error) Reply {
	r := Reply{Status: status}
	if err != nil {
		r.Err = err.Error()
		if !status.IsError() {
			r.Status = constants.StatusOf(err)
		}
	}
	return r
}

// err rebuilds the error on the host side.
func (r Reply) err() error {
	if r.Err == "" {
		return nil
	}
	return &RemoteError{Message: r.Err, Status: r.Status}
}

// RemoteError is an error returned by the plugin process.
type RemoteError struct {
	Message string
	Status  constants.StatusCode
}

func (e *RemoteError) Error() string { return "plugin: " + e.Message }

// Unwrap exposes the status code for errors.Is.
func (e *RemoteError) Unwrap() error {
	if e.Status.IsError() {
		return e.Status
	}
	return nil
}

// PathInfo is a library.Path on the wire.
type PathInfo struct {
	Path    string
	FoundBy library.FoundBy
}

// DebugInfoReply is the reply of DebugInfo.
type DebugInfoReply struct {
	Reply
	Info backend.DebugInfo
}

// SessionReply is the reply of calls returning a session.
type SessionReply struct {
	Reply
	Session backend.Session
}

// ListArgs are the arguments of ListResources.
type ListArgs struct {
	RM    backend.Session
	Query string
}

// ListReply is the reply of ListResources.
type ListReply struct {
	Reply
	Names []string
}

// OpenArgs are the arguments of Open.
type OpenArgs struct {
	RM          backend.Session
	Name        string
	AccessMode  constants.AccessMode
	OpenTimeout time.Duration
}

// ReadArgs are the arguments of Read.
type ReadArgs struct {
	Session backend.Session
	Count   int
}

// ReadReply is the reply of Read.
type ReadReply struct {
	Reply
	Data []byte
}

// WriteArgs are the arguments of Write.
type WriteArgs struct {
	Session backend.Session
	Data    []byte
}

// WriteReply is the reply of Write.
type WriteReply struct {
	Reply
	Count int
}

// AttributeArgs are the arguments of SetAttribute.
type AttributeArgs struct {
	Session   backend.Session
	Attribute constants.Attribute
	Value     uint64
}

// RPCServer exposes a backend over net/rpc. It runs in the plugin process.
type RPCServer struct {
	Impl backend.Backend
}

func (s *RPCServer) Name(_ any, resp *string) error {
	*resp = s.Impl.Name()
	return nil
}

func (s *RPCServer) LibraryPaths(_ any, resp *[]PathInfo) error {
	for _, p := range s.Impl.LibraryPaths() {
		*resp = append(*resp, PathInfo{Path: p.Path, FoundBy: p.FoundBy})
	}
	return nil
}

func (s *RPCServer) DebugInfo(_ any, resp *DebugInfoReply) error {
	info, err := s.Impl.DebugInfo()
	*resp = DebugInfoReply{Reply: newReply(constants.StatusSuccess, err), Info: info}
	return nil
}

func (s *RPCServer) OpenDefaultResourceManager(_ any, resp *SessionReply) error {
	rm, status, err := s.Impl.OpenDefaultResourceManager(context.Background())
	*resp = SessionReply{Reply: newReply(status, err), Session: rm}
	return nil
}

func (s *RPCServer) ListResources(args ListArgs, resp *ListReply) error {
	names, err := s.Impl.ListResources(context.Background(), args.RM, args.Query)
	*resp = ListReply{Reply: newReply(constants.StatusOf(err), err), Names: names}
	return nil
}

func (s *RPCServer) Open(args OpenArgs, resp *SessionReply) error {
	opts := backend.OpenOptions{AccessMode: args.AccessMode, OpenTimeout: args.OpenTimeout}
	vi, status, err := s.Impl.Open(context.Background(), args.RM, args.Name, opts)
	*resp = SessionReply{Reply: newReply(status, err), Session: vi}
	return nil
}

func (s *RPCServer) Read(args ReadArgs, resp *ReadReply) error {
	buf := make([]byte, args.Count)
	n, status, err := s.Impl.Read(context.Background(), args.Session, buf)
	*resp = ReadReply{Reply: newReply(status, err), Data: buf[:n]}
	return nil
}

func (s *RPCServer) Write(args WriteArgs, resp *WriteReply) error {
	n, status, err := s.Impl.Write(context.Background(), args.Session, args.Data)
	*resp = WriteReply{Reply: newReply(status, err), Count: n}
	return nil
}

func (s *RPCServer) SetAttribute(args AttributeArgs, resp *Reply) error {
	status, err := s.Impl.SetAttribute(args.Session, args.Attribute, args.Value)
	*resp = newReply(status, err)
	return nil
}

func (s *RPCServer) Close(session backend.Session, resp *Reply) error {
	status, err := s.Impl.Close(session)
	*resp = newReply(status, err)
	return nil
}

// Client is a backend.Backend forwarding every call to a plugin process.
type Client struct {
	rpc     *rpc.Client
	process *goplugin.Client
}

// Shutdown stops the plugin process. It is a no-op for clients not created
// by Launch.
func (c *Client) Shutdown() {
	if c.process != nil {
		c.process.Kill()
	}
}

// call performs an RPC unless ctx is already done. Transport failures are
// reported as a lost connection.
func (c *Client) call(ctx context.Context, method string, args, reply any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.rpc.Call("Plugin."+method, args, reply); err != nil {
		return fmt.Errorf("%s: %w: %w", method, constants.StatusErrorConnectionLost, err)
	}
	return nil
}

// Name implements backend.Backend.
func (c *Client) Name() string {
	var name string
	if err := c.call(context.Background(), "Name", new(any), &name); err != nil {
		return Name
	}
	return Name + ":" + name
}

// LibraryPaths implements backend.Backend.
func (c *Client) LibraryPaths() []*library.Path {
	var infos []PathInfo
	if err := c.call(context.Background(), "LibraryPaths", new(any), &infos); err != nil {
		return nil
	}
	paths := make([]*library.Path, 0, len(infos))
	for _, p := range infos {
		paths = append(paths, library.NewPath(p.Path, p.FoundBy))
	}
	return paths
}

// DebugInfo implements backend.Backend.
func (c *Client) DebugInfo() (backend.DebugInfo, error) {
	var reply DebugInfoReply
	if err := c.call(context.Background(), "DebugInfo", new(any), &reply); err != nil {
		return nil, err
	}
	return reply.Info, reply.err()
}

// OpenDefaultResourceManager implements backend.Backend.
func (c *Client) OpenDefaultResourceManager(ctx context.Context) (backend.Session, constants.StatusCode, error) {
	var reply SessionReply
	if err := c.call(ctx, "OpenDefaultResourceManager", new(any), &reply); err != nil {
		return 0, constants.StatusOf(err), err
	}
	return reply.Session, reply.Status, reply.err()
}

// ListResources implements backend.Backend.
func (c *Client) ListResources(ctx context.Context, rm backend.Session, query string) ([]string, error) {
	var reply ListReply
	if err := c.call(ctx, "ListResources", ListArgs{RM: rm, Query: query}, &reply); err != nil {
		return nil, err
	}
	return reply.Names, reply.err()
}

// Open implements backend.Backend.
func (c *Client) Open(ctx context.Context, rm backend.Session, name string, opts backend.OpenOptions) (backend.Session, constants.StatusCode, error) {
	var reply SessionReply
	args := OpenArgs{RM: rm, Name: name, AccessMode: opts.AccessMode, OpenTimeout: opts.OpenTimeout}
	if err := c.call(ctx, "Open", args, &reply); err != nil {
		return 0, constants.StatusOf(err), err
	}
	return reply.Session, reply.Status, reply.err()
}

// Read implements backend.Backend.
func (c *Client) Read(ctx context.Context, s backend.Session, buf []byte) (int, constants.StatusCode, error) {
	var reply ReadReply
	if err := c.call(ctx, "Read", ReadArgs{Session: s, Count: len(buf)}, &reply); err != nil {
		return 0, constants.StatusOf(err), err
	}
	n := copy(buf, reply.Data)
	return n, reply.Status, reply.err()
}

// Write implements backend.Backend.
func (c *Client) Write(ctx context.Context, s backend.Session, data []byte) (int, constants.StatusCode, error) {
	var reply WriteReply
	if err := c.call(ctx, "Write", WriteArgs{Session: s, Data: data}, &reply); err != nil {
		return 0, constants.StatusOf(err), err
	}
	return reply.Count, reply.Status, reply.err()
}

// SetAttribute implements backend.Backend.
func (c *Client) SetAttribute(s backend.Session, attr constants.Attribute, value uint64) (constants.StatusCode, error) {
	var reply Reply
	args := AttributeArgs{Session: s, Attribute: attr, Value: value}
	if err := c.call(context.Background(), "SetAttribute", args, &reply); err != nil {
		return constants.StatusOf(err), err
	}
	return reply.Status, reply.err()
}

// Close implements backend.Backend.
func (c *Client) Close(s backend.Session) (constants.StatusCode, error) {
	var reply Reply
	if err := c.call(context.Background(), "Close", s, &reply); err != nil {
		return constants.StatusOf(err), err
	}
	return reply.Status, reply.err()
}
