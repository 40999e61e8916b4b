package moduleregistry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nexuscore/agentengine/internal/observability"
	"github.com/nexuscore/agentengine/internal/storage"
	"github.com/nexuscore/agentengine/internal/toolregistry"
	"github.com/nexuscore/agentengine/pkg/models"
)

// DefaultStopTimeout bounds how long Stop waits for a graceful exit before
// killing a module's process.
const DefaultStopTimeout = 5 * time.Second

// Registry manages the lifecycle of installed modules: discovery from the
// Durable Store, starting/stopping their OS processes, hot (un)registering
// the tools they contribute, and proxying ext-endpoint calls over the
// module's loopback RPC client.
type Registry struct {
	store storage.Store
	tools *toolregistry.Registry
	log   *observability.Logger

	mu      sync.RWMutex
	running map[string]*runningModule
	clients map[string]*RPCClient
}

// New constructs a Registry wired to the Durable Store and Tool Registry.
func New(store storage.Store, tools *toolregistry.Registry, log *observability.Logger) *Registry {
	return &Registry{
		store:   store,
		tools:   tools,
		log:     log,
		running: make(map[string]*runningModule),
		clients: make(map[string]*RPCClient),
	}
}

// Start launches mod's process (if it declares a Command) and, if it
// declares HasTools, registers a proxy tool per ext endpoint that forwards
// calls to the module over its RPC client.
func (r *Registry) Start(ctx context.Context, mod models.Module) error {
	r.mu.Lock()
	if _, already := r.running[mod.Name]; already {
		r.mu.Unlock()
		return observability.Validation("module already running: " + mod.Name)
	}
	r.mu.Unlock()

	if mod.Command != "" {
		rm, err := startProcess(ctx, mod)
		if err != nil {
			return observability.Internal(err)
		}
		r.mu.Lock()
		r.running[mod.Name] = rm
		r.mu.Unlock()
	}

	if mod.HasTools {
		if err := r.registerModuleTools(mod); err != nil {
			return err
		}
	}

	if err := r.store.SetModuleEnabled(ctx, mod.Name, true); err != nil {
		r.log.Warn(ctx, "failed to mark module enabled", "module", mod.Name, "error", err)
	}
	r.log.Info(ctx, "module started", "module", mod.Name)
	return nil
}

// registerModuleTools registers one hot-reloadable tool per ext endpoint
// the module declares, each of which forwards the call over RPC.
func (r *Registry) registerModuleTools(mod models.Module) error {
	client, ok := r.clientFor(mod.Name)
	for _, ep := range mod.ExtEndpoints {
		ep := ep
		toolName := mod.Name + "." + ep.MethodName
		def := models.ToolDefinition{
			Name:        toolName,
			Description: ep.Description,
			Group:       models.GroupSystem,
			SafetyLevel: models.SafetyStandard,
		}
		handler := func(ctx context.Context, _ toolregistry.ToolContext, params json.RawMessage) (*toolregistry.ToolResult, error) {
			if !ok || client == nil {
				return &toolregistry.ToolResult{IsError: true, Content: "module " + mod.Name + " has no active RPC connection"}, nil
			}
			var args map[string]any
			if len(params) > 0 {
				if err := json.Unmarshal(params, &args); err != nil {
					return &toolregistry.ToolResult{IsError: true, Content: "invalid parameters: " + err.Error()}, nil
				}
			}
			result, err := client.Invoke(ctx, ep.MethodName, args)
			if err != nil {
				return &toolregistry.ToolResult{IsError: true, Content: err.Error()}, nil
			}
			encoded, _ := json.Marshal(result.Data)
			out := &toolregistry.ToolResult{Content: string(encoded)}
			if result.StatusCode != 0 {
				out.Metadata = map[string]any{"status_code": result.StatusCode}
			}
			return out, nil
		}
		if err := r.tools.Register(def, handler); err != nil {
			return err
		}
	}
	return nil
}

// clientFor returns the RPC client previously attached via AttachClient.
func (r *Registry) clientFor(moduleName string) (*RPCClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[moduleName]
	return c, ok
}

// AttachClient wires a dialed loopback connection to a module so its proxy
// tools can forward calls. Call before Start: Start looks the client up
// once, when it registers the module's proxy tools, and rejects a module
// that is already running.
func (r *Registry) AttachClient(moduleName string, client *RPCClient) {
	r.mu.Lock()
	r.clients[moduleName] = client
	r.mu.Unlock()
}

// Stop signals mod's process to exit, unregisters its tools, and marks it
// disabled in the Durable Store.
func (r *Registry) Stop(ctx context.Context, mod models.Module) error {
	r.mu.Lock()
	rm, ok := r.running[mod.Name]
	delete(r.running, mod.Name)
	delete(r.clients, mod.Name)
	r.mu.Unlock()

	if ok {
		if err := rm.stop(DefaultStopTimeout); err != nil {
			r.log.Warn(ctx, "module did not stop cleanly", "module", mod.Name, "error", err)
		}
	}

	for _, ep := range mod.ExtEndpoints {
		r.tools.Unregister(mod.Name + "." + ep.MethodName)
	}

	if err := r.store.SetModuleEnabled(ctx, mod.Name, false); err != nil {
		r.log.Warn(ctx, "failed to mark module disabled", "module", mod.Name, "error", err)
	}
	r.log.Info(ctx, "module stopped", "module", mod.Name)
	return nil
}

// Status reports a module's process status and recent log tail.
type Status struct {
	Running bool
	Logs    string
}

// StatusOf returns the current process status and log tail for moduleName.
func (r *Registry) StatusOf(moduleName string) Status {
	r.mu.RLock()
	rm, ok := r.running[moduleName]
	r.mu.RUnlock()
	if !ok {
		return Status{}
	}
	return Status{Running: rm.Status() == statusRunning, Logs: rm.logs.String()}
}

// DiscoverAndStart loads every enabled module from the Durable Store and
// starts each one. A failure starting one module is logged, not fatal, so
// one bad module doesn't block the rest from coming up.
func (r *Registry) DiscoverAndStart(ctx context.Context) error {
	mods, err := r.store.ListModules(ctx)
	if err != nil {
		return observability.Internal(err)
	}
	for _, mod := range mods {
		if !mod.Enabled {
			continue
		}
		if err := r.Start(ctx, mod); err != nil {
			r.log.Error(ctx, "failed to start module", "module", mod.Name, "error", err)
		}
	}
	return nil
}

// StopAll stops every currently running module, used on graceful shutdown.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.running))
	for name := range r.running {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		mod, err := r.store.GetModule(ctx, name)
		if err != nil {
			r.log.Warn(ctx, "failed to load module for shutdown", "module", name, "error", err)
			continue
		}
		if err := r.Stop(ctx, *mod); err != nil {
			r.log.Warn(ctx, "failed to stop module cleanly", "module", name, "error", err)
		}
	}
}
