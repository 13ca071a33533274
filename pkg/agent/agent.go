package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aivorynet/inspector-go/pkg/breakpoint"
	"github.com/aivorynet/inspector-go/pkg/server"
	"github.com/aivorynet/inspector-go/pkg/transport"
)

// Version is reported to the backend on registration.
const Version = "1.0.0"

// Agent runs the report recorder and the URL breakpoint manager.
type Agent struct {
	config      *Config
	logger      *zap.Logger
	breakpoints *breakpoint.Manager
	server      *server.Server
	connection  *transport.Connection
	started     bool
	mu          sync.RWMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an agent from config. The breakpoint store is loaded here so
// that configuration errors surface before anything is started.
func New(config *Config, logger *zap.Logger) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Agent{
		config: config,
		logger: logger,
	}

	var opts []breakpoint.ManagerOption
	if config.BreakpointStorePath != "" {
		opts = append(opts, breakpoint.WithStore(breakpoint.NewStore(config.BreakpointStorePath, logger)))
	}
	if config.BackendEnabled() {
		a.connection = transport.NewConnection(config.BackendURL, config.APIKey, a.registration(), logger)
		opts = append(opts, breakpoint.WithSender(a.connection))
	}

	a.breakpoints = breakpoint.NewManager(logger, opts...)
	if err := a.breakpoints.Load(); err != nil {
		return nil, fmt.Errorf("loading url breakpoints: %w", err)
	}

	if a.connection != nil {
		a.connection.OnCommand(a.handleCommand)
	}

	a.server = server.New(server.Config{
		ListenAddr:  config.ListenAddr,
		ReportPath:  config.ReportPath,
		LockTimeout: config.LockTimeout,
	}, a.breakpoints, logger)

	return a, nil
}

// Start listens on the configured address and starts the background
// workers. It returns once the listener is bound.
func (a *Agent) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", a.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.config.ListenAddr, err)
	}
	return a.StartOn(ctx, lis)
}

// StartOn is Start with a caller-provided listener.
func (a *Agent) StartOn(ctx context.Context, lis net.Listener) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return errors.New("agent already started")
	}

	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.server.Serve(lis); err != nil {
			a.logger.Error("http server stopped", zap.Error(err))
		}
	}()

	if a.config.WatchStore && a.config.BreakpointStorePath != "" {
		watcher, err := breakpoint.NewWatcher(a.breakpoints)
		if err != nil {
			a.logger.Warn("store watcher disabled", zap.Error(err))
		} else {
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				if err := watcher.Run(ctx); err != nil {
					a.logger.Warn("store watcher stopped", zap.Error(err))
				}
			}()
		}
	}

	if a.connection != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.connection.Connect(ctx)
		}()
	}

	a.started = true
	a.logger.Info("agent started",
		zap.String("agent_id", a.config.AgentID),
		zap.String("addr", lis.Addr().String()),
		zap.Bool("backend", a.connection != nil))

	return nil
}

// Stop shuts the agent down and waits for its workers.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	a.mu.Unlock()

	err := a.server.Shutdown(ctx)
	a.cancel()
	if a.connection != nil {
		a.connection.Disconnect()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.logger.Info("agent stopped")
	return err
}

// Run starts the agent and blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Stop(shutdownCtx)
}

// Breakpoints returns the agent's breakpoint manager.
func (a *Agent) Breakpoints() *breakpoint.Manager {
	return a.breakpoints
}

// Config returns the agent configuration.
func (a *Agent) Config() *Config {
	return a.config
}

func (a *Agent) handleCommand(command string, payload json.RawMessage) {
	if err := a.breakpoints.HandleCommand(command, payload); err != nil {
		a.logger.Warn("backend breakpoint command failed", zap.String("command", command), zap.Error(err))
	}
}

func (a *Agent) registration() map[string]interface{} {
	ri := a.config.GetRuntimeInfo()
	return map[string]interface{}{
		"agent_id":      a.config.AgentID,
		"agent_version": Version,
		"hostname":      a.config.Hostname,
		"runtime":       ri.Runtime,
		"runtime_info":  ri,
	}
}
