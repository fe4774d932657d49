package relay_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/erfanmomeniii/relay"
	"github.com/erfanmomeniii/relay/messagebox"
)

func fakeFactories(conns map[string]*fakeConnector) relay.Factories {
	return relay.Factories{
		"Fake": func(inst relay.Instance) (relay.Connector, error) {
			c, ok := conns[inst.ID]
			if !ok {
				return nil, errors.New("no connector for " + inst.ID)
			}
			return c, nil
		},
	}
}

func TestFactories_Build(t *testing.T) {
	factories := fakeFactories(map[string]*fakeConnector{"src": newSourceConnector([]string{"Id"})})

	if _, err := factories.Build(sourceInstance("src", "orders")); err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	unknown := sourceInstance("x", "orders")
	unknown.AdapterName = "Mainframe"
	_, err := factories.Build(unknown)
	if !errors.Is(err, relay.ErrUnknownAdapter) {
		t.Errorf("unknown adapter error = %v, want ErrUnknownAdapter", err)
	}

	_, err = factories.Build(sourceInstance("missing", "orders"))
	var cfgErr *relay.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("factory failure = %v, want *ConfigError", err)
	}
}

func TestInstanceRegistry_Destinations(t *testing.T) {
	disabled := destinationInstance("dst-b", "orders")
	disabled.Enabled = false

	registry, err := relay.NewInstanceRegistry(
		sourceInstance("src", "orders"),
		destinationInstance("dst-c", "orders"),
		disabled,
		destinationInstance("other", "invoices"),
	)
	if err != nil {
		t.Fatal(err)
	}

	got, _ := registry.Destinations(context.Background(), "orders")
	if len(got) != 2 || got[0] != "dst-b" || got[1] != "dst-c" {
		t.Errorf("Destinations(orders) = %v, want [dst-b dst-c]", got)
	}

	registry.Remove("dst-b")
	got, _ = registry.Destinations(context.Background(), "orders")
	if len(got) != 1 {
		t.Errorf("after Remove = %v", got)
	}
}

func TestInstanceRegistry_Validation(t *testing.T) {
	if _, err := relay.NewInstanceRegistry(relay.Instance{ID: "broken"}); err == nil {
		t.Error("expected validation error for incomplete instance")
	}

	registry, _ := relay.NewInstanceRegistry()
	if err := registry.SetEnabled("ghost", true); err == nil {
		t.Error("SetEnabled on unknown instance must fail")
	}
	if registry.EnabledFunc("ghost")() {
		t.Error("unknown instance must read as disabled")
	}
}

func TestEngine_Provision(t *testing.T) {
	registry, _ := relay.NewInstanceRegistry()
	engine := relay.NewEngine(newBox(t, registry), registry)

	conns := map[string]*fakeConnector{"dst": newDestinationConnector()}
	coord, err := engine.Provision(fakeFactories(conns), destinationInstance("dst", "orders"), nil)
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	if coord.Adapter().Instance().ID != "dst" {
		t.Errorf("coordinator bound to %q", coord.Adapter().Instance().ID)
	}
	if _, ok := registry.Get("dst"); !ok {
		t.Error("provisioned instance must be registered")
	}

	// A source role on a write-only connector is rejected and not registered.
	conns["bad"] = newDestinationConnector()
	if _, err := engine.Provision(fakeFactories(conns), sourceInstance("bad", "orders"), nil); err == nil {
		t.Error("expected role mismatch error")
	}
	if _, ok := registry.Get("bad"); ok {
		t.Error("failed instance must not stay registered")
	}
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	registry, _ := relay.NewInstanceRegistry()
	box := newBox(t, registry)
	engine := relay.NewEngine(box, registry,
		relay.WithSweeper(messagebox.NewSweeper(box, 10*time.Millisecond, nil)),
	)

	conns := map[string]*fakeConnector{"src": newSourceConnector([]string{"Id"})}
	if _, err := engine.Provision(fakeFactories(conns), sourceInstance("src", "orders"),
		[]relay.PollingOption{relay.WithInterval(10 * time.Millisecond)}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- engine.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	if err := engine.Add(relay.NewPollingCoordinator(
		mustAdapter(t, newSourceConnector([]string{"Id"}), sourceInstance("late", "orders"), box),
	)); !errors.Is(err, relay.ErrCoordinatorRunning) {
		t.Errorf("Add() while running = %v, want ErrCoordinatorRunning", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() after cancel = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
	if conns["src"].Reads() < 2 {
		t.Errorf("reads = %d, want at least 2", conns["src"].Reads())
	}
}

func TestEngine_ProvisionWhileRunningUnregisters(t *testing.T) {
	registry, _ := relay.NewInstanceRegistry()
	box := newBox(t, registry)
	engine := relay.NewEngine(box, registry,
		relay.WithSweeper(messagebox.NewSweeper(box, 10*time.Millisecond, nil)),
	)
	conns := map[string]*fakeConnector{"late": newDestinationConnector()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- engine.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	_, err := engine.Provision(fakeFactories(conns), destinationInstance("late", "orders"), nil)
	if !errors.Is(err, relay.ErrCoordinatorRunning) {
		t.Errorf("Provision() while running = %v, want ErrCoordinatorRunning", err)
	}
	if _, ok := registry.Get("late"); ok {
		t.Error("rejected destination must not stay registered")
	}
	if got, _ := registry.Destinations(context.Background(), "orders"); len(got) != 0 {
		t.Errorf("Destinations(orders) = %v, want none", got)
	}

	cancel()
	<-done
}

func TestRunInterfaceOnce(t *testing.T) {
	ctx := context.Background()
	registry, _ := relay.NewInstanceRegistry(
		sourceInstance("src", "orders"),
		destinationInstance("dst-a", "orders"),
		destinationInstance("dst-b", "orders"),
	)
	box := newBox(t, registry)

	srcConn := newSourceConnector([]string{"Id"}, row("Id", "1"), row("Id", "2"))
	a, b := newDestinationConnector(), newDestinationConnector()

	res, err := relay.RunInterfaceOnce(ctx,
		mustAdapter(t, srcConn, sourceInstance("src", "orders"), box),
		mustAdapter(t, a, destinationInstance("dst-a", "orders"), box),
		mustAdapter(t, b, destinationInstance("dst-b", "orders"), box),
	)
	if err != nil {
		t.Fatalf("RunInterfaceOnce() error: %v", err)
	}
	if res.Read != 2 || res.Written != 4 || res.Purged != 2 {
		t.Errorf("result = %+v, want {Read:2 Written:4 Purged:2}", res)
	}
	if len(a.WrittenValues("Id")) != 2 || len(b.WrittenValues("Id")) != 2 {
		t.Error("each destination must receive both records")
	}
}

func TestRunInterfaceOnce_JoinsErrors(t *testing.T) {
	ctx := context.Background()
	registry, _ := relay.NewInstanceRegistry(destinationInstance("dst", "orders"))
	box := newBox(t, registry)

	// A message stored by an earlier cycle.
	if _, err := box.WriteSingleRecordMessage(ctx, messagebox.Producer{InterfaceName: "orders"}, []string{"Id"}, row("Id", "old")); err != nil {
		t.Fatal(err)
	}

	failing := newSourceConnector([]string{"Id"})
	failing.readErr = errors.New("share offline")
	dst := newDestinationConnector()

	res, err := relay.RunInterfaceOnce(ctx,
		mustAdapter(t, failing, sourceInstance("src", "orders"), box),
		mustAdapter(t, dst, destinationInstance("dst", "orders"), box),
	)

	var ferr *relay.FetchError
	if !errors.As(err, &ferr) {
		t.Errorf("expected *FetchError in joined error, got %v", err)
	}
	if res.Written != 1 {
		t.Errorf("Written = %d, want 1 (destinations still drain)", res.Written)
	}
}

func TestRunInterfaceOnce_SkipsDisabled(t *testing.T) {
	inst := sourceInstance("src", "orders")
	inst.Enabled = false
	conn := newSourceConnector([]string{"Id"}, row("Id", "1"))

	res, err := relay.RunInterfaceOnce(context.Background(), mustAdapter(t, conn, inst, newBox(t, nil)))
	if err != nil {
		t.Fatal(err)
	}
	if conn.Reads() != 0 || res.Read != 0 {
		t.Errorf("disabled source was read: reads=%d result=%+v", conn.Reads(), res)
	}
}
