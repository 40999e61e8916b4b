package moduleregistry

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nexuscore/agentengine/internal/observability"
	"github.com/nexuscore/agentengine/internal/storage"
	"github.com/nexuscore/agentengine/internal/toolregistry"
	"github.com/nexuscore/agentengine/pkg/models"
)

func newTestRegistry(t *testing.T) (*Registry, storage.Store) {
	t.Helper()
	log := observability.NewLogger(observability.LogConfig{})
	store, err := storage.NewSQLiteStore(context.Background(), ":memory:", log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tools := toolregistry.New(log)
	return New(store, tools, log), store
}

func TestDiscoverAndStart_StartsOnlyEnabledModules(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	if err := store.UpsertModule(ctx, models.Module{Name: "active", Command: "sleep 5", Enabled: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.UpsertModule(ctx, models.Module{Name: "dormant", Command: "sleep 5", Enabled: false}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := reg.DiscoverAndStart(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}

	if !reg.StatusOf("active").Running {
		t.Fatal("expected active module running")
	}
	if reg.StatusOf("dormant").Running {
		t.Fatal("expected dormant module not running")
	}

	reg.StopAll(ctx)
	if reg.StatusOf("active").Running {
		t.Fatal("expected active module stopped after StopAll")
	}
}

func TestStart_RegisterModuleTools_ProxiesOverRPC(t *testing.T) {
	reg, _ := newTestRegistry(t)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer lis.Close()

	impl := func(_ context.Context, toolName string, args map[string]any) (map[string]any, error) {
		return map[string]any{"tool": toolName, "got": args["x"]}, nil
	}
	srv := NewRPCServer(impl)
	go func() { _ = srv.Server().Serve(lis) }()
	defer srv.Server().GracefulStop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	mod := models.Module{
		Name:     "sidecar",
		HasTools: true,
		ExtEndpoints: []models.ExtEndpoint{
			{MethodName: "frobnicate", Description: "frobnicates things"},
		},
	}
	reg.AttachClient(mod.Name, NewRPCClient(conn))

	if err := reg.Start(context.Background(), mod); err != nil {
		t.Fatalf("start: %v", err)
	}

	def, ok := reg.tools.Get("sidecar.frobnicate")
	if !ok {
		t.Fatal("expected proxy tool registered")
	}
	if def.Description != "frobnicates things" {
		t.Fatalf("unexpected tool description: %q", def.Description)
	}

	result, err := reg.tools.Execute(context.Background(), "sidecar.frobnicate", toolregistry.ToolContext{}, []byte(`{"x":"y"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}

	if err := reg.Stop(context.Background(), mod); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, ok := reg.tools.Get("sidecar.frobnicate"); ok {
		t.Fatal("expected proxy tool unregistered after stop")
	}
}

func TestStart_RejectsDuplicateStart(t *testing.T) {
	reg, _ := newTestRegistry(t)
	mod := models.Module{Name: "dupe", Command: "sleep 5"}

	if err := reg.Start(context.Background(), mod); err != nil {
		t.Fatalf("first start: %v", err)
	}
	defer reg.StopAll(context.Background())

	if err := reg.Start(context.Background(), mod); err == nil {
		t.Fatal("expected error starting an already-running module")
	}
}

func TestStatusOf_UnknownModuleReportsNotRunning(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if reg.StatusOf("ghost").Running {
		t.Fatal("expected unknown module to report not running")
	}
}
