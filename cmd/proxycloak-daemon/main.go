// Command proxycloak-daemon serves the request module over line-delimited
// JSON on stdin and stdout, for runtimes that drive it as a subprocess.
//
//	{"id": "1", "type": "config.set", "config": {"http": {"timeout": "5s"}}}
//	{"id": "2", "type": "request", "request": {"url": "https://example.test/"}}
//	{"id": "3", "type": "list.reload"}
//
// Requests are handled concurrently; replies carry the message id and may
// arrive out of order.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sardanioss/proxycloak"
	"github.com/sardanioss/proxycloak/client"
	"github.com/sardanioss/proxycloak/config"
	"github.com/sardanioss/proxycloak/fingerprint"
	"github.com/sardanioss/proxycloak/protocol"
	"github.com/sardanioss/proxycloak/resource"
)

const version = "1.0.0"

// maxLine bounds a single message.
const maxLine = 16 << 20

// Daemon reads messages from in and writes replies to out.
type Daemon struct {
	module *proxycloak.Module
	log    *zap.Logger

	in       *bufio.Scanner
	out      *json.Encoder
	outputMu sync.Mutex
	wg       sync.WaitGroup
}

// NewDaemon creates a daemon around m.
func NewDaemon(m *proxycloak.Module, in io.Reader, out io.Writer, log *zap.Logger) *Daemon {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	return &Daemon{
		module: m,
		log:    log,
		in:     sc,
		out:    json.NewEncoder(out),
	}
}

// Run handles messages until in is exhausted, a shutdown message arrives,
// or ctx is done. In-flight requests are waited for before it returns.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.wg.Wait()

	for d.in.Scan() {
		line := strings.TrimSpace(d.in.Text())
		if line == "" {
			continue
		}

		var msg protocol.Message
		dec := json.NewDecoder(strings.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&msg); err != nil {
			d.sendError("", protocol.ErrCodeInvalidMessage, "Invalid JSON: "+err.Error())
			continue
		}
		if msg.Type == protocol.TypeShutdown {
			d.send(&protocol.Reply{ID: msg.ID, Type: protocol.TypeOK})
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.handleMessage(ctx, &msg)
	}
	return d.in.Err()
}

// handleMessage routes messages to appropriate handlers
func (d *Daemon) handleMessage(ctx context.Context, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		d.send(&protocol.Reply{ID: msg.ID, Type: protocol.TypePong, Version: version})
	case protocol.TypePresetList:
		d.send(&protocol.Reply{ID: msg.ID, Type: protocol.TypePresetList, Presets: fingerprint.Available()})
	case protocol.TypeConfigSet:
		d.handleConfigSet(msg)
	case protocol.TypeConfigGet:
		d.send(&protocol.Reply{ID: msg.ID, Type: protocol.TypeConfig, Config: d.module.DefaultConfig()})
	case protocol.TypeListLoad:
		d.handleListLoad(msg)
	case protocol.TypeListReload:
		if err := d.module.Reload(); err != nil {
			d.sendFailure(msg.ID, err)
			return
		}
		d.send(&protocol.Reply{ID: msg.ID, Type: protocol.TypeOK})
	case protocol.TypeRandom:
		d.handleRandom(msg)
	case protocol.TypePreview:
		d.handlePreview(msg)
	case protocol.TypeRequest:
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleRequest(ctx, msg)
		}()
	default:
		d.sendError(msg.ID, protocol.ErrCodeInvalidMessage, "Unknown message type: "+string(msg.Type))
	}
}

func (d *Daemon) handleConfigSet(msg *protocol.Message) {
	cfg := msg.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := d.module.Configure(cfg); err != nil {
		d.sendFailure(msg.ID, err)
		return
	}
	d.send(&protocol.Reply{ID: msg.ID, Type: protocol.TypeConfig, Config: d.module.DefaultConfig()})
}

func (d *Daemon) handleListLoad(msg *protocol.Message) {
	var err error
	switch msg.List {
	case protocol.ListUserAgents:
		err = d.module.LoadUserAgents(msg.Path)
	case protocol.ListReferers:
		err = d.module.LoadReferers(msg.Path)
	case protocol.ListPaths:
		err = d.module.LoadPaths(msg.Path)
	case protocol.ListProxies:
		err = d.module.LoadProxyList(msg.Path)
	default:
		d.sendError(msg.ID, protocol.ErrCodeInvalidMessage, "Unknown list: "+msg.List)
		return
	}
	if err != nil {
		d.sendFailure(msg.ID, err)
		return
	}
	d.send(&protocol.Reply{ID: msg.ID, Type: protocol.TypeOK})
}

func (d *Daemon) handleRandom(msg *protocol.Message) {
	var v string
	switch msg.List {
	case protocol.ListUserAgents:
		v = d.module.GetRandomUserAgent()
	case protocol.ListReferers:
		v = d.module.GetRandomReferer()
	case protocol.ListPaths:
		v = d.module.GetRandomPath()
	case protocol.ListPathsWithQuery:
		v = d.module.GetRandomPathWithQuery()
	default:
		d.sendError(msg.ID, protocol.ErrCodeInvalidMessage, "Unknown list: "+msg.List)
		return
	}
	d.send(&protocol.Reply{ID: msg.ID, Type: protocol.TypeRandom, Value: v})
}

func (d *Daemon) handlePreview(msg *protocol.Message) {
	opts, err := d.module.Preview(msg.Request)
	if err != nil {
		d.sendFailure(msg.ID, err)
		return
	}
	d.send(&protocol.Reply{ID: msg.ID, Type: protocol.TypePreview, Config: opts})
}

func (d *Daemon) handleRequest(ctx context.Context, msg *protocol.Message) {
	res, err := d.module.Request(ctx, msg.Request)
	if err != nil {
		d.sendFailure(msg.ID, err)
		return
	}
	d.send(&protocol.Reply{ID: msg.ID, Type: protocol.TypeResponse, Response: res})
}

// send writes a reply to stdout
func (d *Daemon) send(r *protocol.Reply) {
	d.outputMu.Lock()
	defer d.outputMu.Unlock()
	if err := d.out.Encode(r); err != nil {
		d.log.Error("writing reply", zap.String("id", r.ID), zap.Error(err))
	}
}

func (d *Daemon) sendError(id, code, message string) {
	d.send(protocol.NewErrorReply(id, code, message))
}

// sendFailure maps a module error onto an error reply.
func (d *Daemon) sendFailure(id string, err error) {
	reply := protocol.NewErrorReply(id, protocol.ErrCodeInternal, err.Error())

	var (
		ve *client.ValidationError
		ce *config.ConfigError
		le *resource.LoadError
	)
	switch {
	case errors.As(err, &ve):
		reply.Error.Code = protocol.ErrCodeInvalidRequest
		reply.Error.Field = ve.Field
	case errors.As(err, &ce):
		reply.Error.Code = protocol.ErrCodeInvalidConfig
		reply.Error.Field = ce.Field
	case errors.As(err, &le):
		reply.Error.Code = protocol.ErrCodeLoadFailed
	}
	d.send(reply)
}

func main() {
	configPath := flag.String("config", "", "JSON configuration applied at start")
	debug := flag.Bool("debug", false, "log each request to stderr")
	flag.Parse()

	logger := zap.NewNop()
	if *debug {
		l, err := zap.NewDevelopment()
		if err != nil {
			os.Stderr.WriteString(err.Error() + "\n")
			os.Exit(1)
		}
		logger = l
	}
	defer logger.Sync()

	m, err := proxycloak.New(client.WithLogger(logger))
	if err != nil {
		logger.Fatal("creating module", zap.Error(err))
	}
	defer m.Close()

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			logger.Fatal("reading configuration", zap.Error(err))
		}
		if err := m.ConfigureJSON(data); err != nil {
			logger.Fatal("applying configuration", zap.Error(err))
		}
	}

	d := NewDaemon(m, os.Stdin, os.Stdout, logger)
	if err := d.Run(context.Background()); err != nil {
		logger.Fatal("daemon stopped", zap.Error(err))
	}
}
