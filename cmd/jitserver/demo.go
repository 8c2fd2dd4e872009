package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/chazu/jitserver/client"
	"github.com/chazu/jitserver/config"
	"github.com/chazu/jitserver/vm"
	"github.com/chazu/jitserver/vm/dist"
)

// demoProgram loads a small class hierarchy: Shape with area and scale,
// Circle overriding area, and a final Point.
func demoProgram(v *vm.VM) ([]dist.MethodID, error) {
	object, err := v.LoadClass(vm.ClassDef{
		Name:      "Object",
		Modifiers: vm.AccPublic,
		Methods:   []vm.MethodDef{{Name: "hashCode", Signature: "()I", Modifiers: vm.AccPublic | vm.AccNative}},
	})
	if err != nil {
		return nil, err
	}
	shape, err := v.LoadClass(vm.ClassDef{
		Name:      "Shape",
		Super:     object.ID,
		Modifiers: vm.AccPublic,
		Methods: []vm.MethodDef{
			{Name: "area", Signature: "()D", Modifiers: vm.AccPublic, MaxStack: 2, Bytecode: []byte{0x0E, 0xAF}},
			{Name: "scale", Signature: "(D)V", Modifiers: vm.AccPublic, MaxStack: 4, MaxLocals: 3, Bytecode: []byte{0x2A, 0x27, 0xB5, 0x00, 0x01, 0xB1}},
		},
		Fields: []vm.FieldDef{{Name: "factor", Signature: "D"}},
	})
	if err != nil {
		return nil, err
	}
	circle, err := v.LoadClass(vm.ClassDef{
		Name:      "Circle",
		Super:     shape.ID,
		Modifiers: vm.AccPublic,
		Methods: []vm.MethodDef{
			{Name: "area", Signature: "()D", Modifiers: vm.AccPublic, MaxStack: 4, Bytecode: []byte{0x14, 0x00, 0x02, 0x2A, 0xB4, 0x00, 0x03, 0x6B, 0xAF}},
		},
		Fields: []vm.FieldDef{{Name: "radius", Signature: "D"}},
	})
	if err != nil {
		return nil, err
	}
	point, err := v.LoadClass(vm.ClassDef{
		Name:      "Point",
		Super:     object.ID,
		Modifiers: vm.AccPublic | vm.AccFinal,
		Methods: []vm.MethodDef{
			{Name: "x", Signature: "()I", Modifiers: vm.AccPublic, MaxStack: 1, Bytecode: []byte{0x2A, 0xB4, 0x00, 0x04, 0xAC}},
		},
	})
	if err != nil {
		return nil, err
	}
	return []dist.MethodID{
		shape.Methods[0].ID,
		shape.Methods[1].ID,
		circle.Methods[0].ID,
		point.Methods[0].ID,
	}, nil
}

// runDemo builds a program, drives its methods hot, and compiles them on
// the configured server.
func runDemo(ctx context.Context, cfg *config.Config) error {
	v := vm.New(cfg.VMOptions())
	methods, err := demoProgram(v)
	if err != nil {
		return err
	}

	if err := waitForServer(ctx, cfg.Client.ServerURL, 5*time.Second); err != nil {
		return err
	}
	dialer, err := client.NewConnectDialer(cfg.Client.ServerURL, cfg.DialOptions())
	if err != nil {
		return err
	}
	rc := client.NewRemoteCompiler(v, dialer, cfg.CompilerOptions())
	queue := client.NewQueue(rc, cfg.Client.QueueSize)

	results := make(chan struct{}, len(methods)*2)
	queue.OnResult = func(m dist.MethodID, r client.Result) {
		info, _ := v.MethodInfo(m)
		switch {
		case r.Installed != nil:
			fmt.Printf("  compiled %s%s at %#x\n", info.Name, info.Signature, r.Installed.Entry)
		case r.OK():
			fmt.Printf("  %s%s needs no compilation\n", info.Name, info.Signature)
		default:
			fmt.Printf("  %s%s stays interpreted: %v\n", info.Name, info.Signature, r.Err)
		}
		results <- struct{}{}
	}
	v.Profiler().OnHot = func(m dist.MethodID, h dist.Hotness) { queue.Submit(m, h) }

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- queue.Run(runCtx, cfg.Client.CompileThreads) }()

	fmt.Printf("Running %d methods against %s (%s)\n", len(methods), cfg.Client.ServerURL, cfg.Client.Protocol)
	for i, n := uint64(0), v.Profiler().WarmThreshold; i < n; i++ {
		for _, m := range methods {
			v.Profiler().RecordInvocation(m)
		}
	}

	timeout := time.After(30 * time.Second)
	for n := 0; n < len(methods); n++ {
		select {
		case <-results:
		case <-timeout:
			return fmt.Errorf("demo: timed out waiting for compilations")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// A new subclass overriding scale breaks the guards of Shape.scale.
	shape, _ := v.ClassByName("Shape", 0)
	if _, err := v.LoadClass(vm.ClassDef{
		Name:      "Square",
		Super:     shape,
		Modifiers: vm.AccPublic,
		Methods:   []vm.MethodDef{{Name: "scale", Signature: "(D)V", Modifiers: vm.AccPublic, MaxStack: 4, MaxLocals: 3, Bytecode: []byte{0xB1}}},
	}); err != nil {
		return err
	}
	fmt.Println("Loaded Square; guards on Shape.scale patched to the slow path")

	cancel()
	<-done
	stats := queue.Stats()
	fmt.Printf("Done: %d compiled, %d failed, %d dropped\n", stats.Compiled, stats.Failed, stats.Dropped)
	for _, kc := range rc.Stats().Sorted() {
		fmt.Printf("  %-28s %d\n", kc.Kind, kc.Count)
	}
	return nil
}

// waitForServer waits until the server's port accepts connections, so a
// server started in the same process has time to listen.
func waitForServer(ctx context.Context, rawURL string, timeout time.Duration) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("demo: server url: %w", err)
	}
	deadline := time.Now().Add(timeout)
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err == nil {
			return conn.Close()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("demo: server %s not reachable: %w", u.Host, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
