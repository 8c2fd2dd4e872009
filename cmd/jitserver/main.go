// jitserver CLI - runs the remote compile server and a demo client
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chazu/jitserver/config"
	"github.com/chazu/jitserver/server"
	"github.com/chazu/jitserver/vm"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	serveMode := flag.Bool("serve", false, "Start the compile server")
	demoMode := flag.Bool("demo", false, "Run a demo client that compiles hot methods remotely")
	configDir := flag.String("config", "", "Directory containing jitserver.toml (default: search upward from .)")
	listen := flag.String("listen", "", "Server listen address (overrides [server] listen)")
	serverURL := flag.String("server", "", "Server URL for the demo client (overrides [client] server-url)")
	protocol := flag.String("protocol", "", "Client protocol: connect or grpc")
	compression := flag.String("compression", "", "Client request compression: zstd, lz4 or gzip")
	verbosity := flag.Int("v", 0, "Log verbosity (overrides [log] verbosity)")
	logPath := flag.String("log", "", "Log file (default: stderr)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: jitserver [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a remote compile server, a demo client, or both in one process.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  jitserver -serve                      # Serve on :7707\n")
		fmt.Fprintf(os.Stderr, "  jitserver -demo -server http://h:7707 # Compile against a remote server\n")
		fmt.Fprintf(os.Stderr, "  jitserver -serve -demo -v 2           # Both, in process\n")
	}
	flag.Parse()

	cfg, err := loadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *serverURL != "" {
		cfg.Client.ServerURL = *serverURL
	}
	if *protocol != "" {
		cfg.Client.Protocol = *protocol
	}
	if *compression != "" {
		cfg.Client.Compression = *compression
	}
	if *verbosity != 0 {
		cfg.Log.Verbosity = *verbosity
	}
	if *logPath != "" {
		cfg.Log.Path = *logPath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if cfg.Log.Path != "" {
		commonlog.Configure(cfg.Log.Verbosity, &cfg.Log.Path)
	} else {
		commonlog.Configure(cfg.Log.Verbosity, nil)
	}
	vm.ConfigureDeadlockDetection(cfg.VM.DeadlockDetection)

	if !*serveMode && !*demoMode {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *serveMode, *demoMode); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(dir string) (*config.Config, error) {
	if dir != "" {
		return config.Load(dir)
	}
	cfg, err := config.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, serve, demo bool) error {
	g, ctx := errgroup.WithContext(ctx)

	if serve {
		srv := server.New(cfg.ServerOptions()...)
		g.Go(func() error {
			return srv.ListenAndServe(cfg.Server.Listen)
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Stop(shutdownCtx)
		})
	}

	if demo {
		g.Go(func() error {
			return runDemo(ctx, cfg)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
