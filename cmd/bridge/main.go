// Command bridge runs the Mycelium-Matrix federation bridge: it fronts
// the local homeserver's federation traffic and carries it over the
// Mycelium overlay whenever a route to the destination bridge is
// known, falling back to plain Matrix federation otherwise.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mik-tf/mycelium-matrix-chat/internal/store"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/config"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/discovery"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/dispatch"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/eventbus"
	bridgehttp "github.com/mik-tf/mycelium-matrix-chat/pkg/http"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/identity"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/logger"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/matrix"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/overlay"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/pending"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/routes"
)

var (
	version   = "0.3.0"
	buildTime = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config.toml (default: standard search locations)")
		listenAddr  = flag.String("listen", "", "override the listen address (host:port)")
		logLevel    = flag.String("log-level", "", "override the log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("mycelium-bridge %s (built %s)\n", version, buildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		if err := applyListenAddr(cfg, *listenAddr); err != nil {
			fmt.Fprintf(os.Stderr, "invalid -listen address: %v\n", err)
			os.Exit(1)
		}
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logOutput := cfg.Logging.Output
	if logOutput == "file" {
		logOutput = cfg.Logging.File
	}
	if err := logger.Initialize(cfg.Logging.Level, cfg.Logging.Format, logOutput); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log := logger.Global()

	if err := run(cfg, log); err != nil {
		log.Error("Bridge exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting Mycelium-Matrix bridge",
		"version", version,
		"server_name", cfg.Federation.ServerName,
		"homeserver", cfg.Matrix.HomeserverURL,
		"overlay_enabled", cfg.Mycelium.Enabled)

	// Persistent store. Failure is not fatal: routes and the room
	// directory degrade to memory-only.
	var db *store.Store
	if s, err := store.Open(ctx, cfg.StorePath(), log); err != nil {
		log.Warn("Route store unavailable, running memory-only",
			"path", cfg.StorePath(), "error", err)
	} else {
		db = s
		defer db.Close()
	}

	table := loadRouteTable(ctx, cfg, db, log)

	// The overlay identity is generated on first start and advertised
	// to peers so they can route back to this bridge.
	ident, err := identity.LoadOrCreate(cfg.IdentityPath(), log)
	if err != nil {
		return err
	}
	log.Info("Overlay identity ready", "public_key", ident.PublicKeyHex())

	matrixClient, err := matrix.NewClient(matrix.ClientConfig{
		HomeserverURL: cfg.Matrix.HomeserverURL,
		Timeout:       cfg.FederationTimeout(),
	})
	if err != nil {
		return err
	}

	var overlayClient *overlay.Client
	if cfg.Mycelium.Enabled {
		overlayClient, err = overlay.NewClient(overlay.ClientConfig{
			APIURL:  cfg.Mycelium.APIURL,
			Timeout: cfg.FederationTimeout(),
		})
		if err != nil {
			return err
		}
	} else {
		log.Info("Overlay routing disabled, all federation rides HTTPS")
	}

	var bus *eventbus.Bus
	if cfg.EventBus.Enabled {
		bus = eventbus.New(eventbus.Config{MaxSubscribers: cfg.EventBus.MaxSubscribers}, log)
		defer bus.Stop()
	}

	deps := dispatch.Deps{
		Matrix:  matrixClient,
		Overlay: overlayClient,
		Routes:  table,
		Pending: pending.NewRegistry(cfg.Federation.PendingLimit),
		Bus:     bus,
		Log:     log,
	}
	if db != nil {
		deps.Rooms = db
	}
	dispatcher := dispatch.New(dispatch.Config{
		ServerName:        cfg.Federation.ServerName,
		OverlayEnabled:    cfg.Mycelium.Enabled,
		FederationTimeout: cfg.FederationTimeout(),
		PublicKey:         ident.PublicKeyHex(),
	}, deps)

	serverDeps := bridgehttp.Deps{
		Dispatcher: dispatcher,
		Routes:     table,
		Bus:        bus,
		Log:        log,
	}
	if db != nil {
		serverDeps.Directory = db
	}
	server := bridgehttp.NewServer(bridgehttp.Config{
		Addr:              cfg.ListenAddr(),
		EnableCORS:        true,
		AllowedOrigins:    []string{"*"},
		RateLimitRequests: cfg.Server.RateLimitRequests,
		RateLimitWindow:   time.Duration(cfg.Server.RateLimitWindow) * time.Second,
	}, serverDeps)

	// Background jobs. The health probe keeps the overlay gauges fresh
	// and announces reachability transitions; the route sync re-writes
	// the table so writes that failed to persist eventually heal.
	prober := &healthProber{dispatcher: dispatcher, bus: bus, log: log.WithComponent("health")}
	prober.probe(ctx)

	jobs := cron.New()
	if _, err := jobs.AddFunc("@every 30s", func() { prober.probe(ctx) }); err != nil {
		return err
	}
	if db != nil {
		if _, err := jobs.AddFunc("@every 5m", func() { syncRoutes(table, db, log) }); err != nil {
			return err
		}
	}
	jobs.Start()
	defer jobs.Stop()

	if cfg.Discovery.Enabled {
		disco := discovery.New(discovery.Config{
			ServerName:  cfg.Federation.ServerName,
			MyceliumKey: ident.PublicKeyHex(),
			Port:        cfg.Server.Port,
			Interval:    time.Duration(cfg.Discovery.BrowseInterval) * time.Second,
		}, table, bus, log)
		if err := disco.Start(ctx); err != nil {
			log.Warn("LAN discovery unavailable", "error", err)
		} else {
			defer disco.Stop()
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("Bridge API listening", "addr", cfg.ListenAddr())
		return server.Start()
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	err = group.Wait()
	log.Info("Bridge stopped")
	return err
}

// applyListenAddr splits a host:port override into the server config.
func applyListenAddr(cfg *config.Config, addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("port %q: %w", portStr, err)
	}
	if host != "" {
		cfg.Server.Host = host
	}
	cfg.Server.Port = port
	return nil
}

// loadRouteTable builds the route table from persisted routes, then
// overlays the static routes declared in the config file. Static
// routes win on conflict.
func loadRouteTable(ctx context.Context, cfg *config.Config, db *store.Store, log *logger.Logger) *routes.Table {
	var table *routes.Table
	if db != nil {
		table = routes.NewTable(db, log)
		persisted, err := db.LoadRoutes(ctx)
		if err != nil {
			log.Warn("Failed to load persisted routes", "error", err)
		}
		for _, route := range persisted {
			table.Put(route)
		}
	} else {
		table = routes.NewTable(nil, log)
	}

	for _, static := range cfg.Routes {
		table.Add(static.ServerName, static.MyceliumKey)
	}
	if n := table.Len(); n > 0 {
		log.Info("Route table loaded", "routes", n)
	}
	return table
}

// syncRoutes re-writes every route to the store. Entries whose
// write-through failed earlier reach disk on the next sweep.
func syncRoutes(table *routes.Table, db *store.Store, log *logger.Logger) {
	for _, route := range table.List() {
		if err := db.UpsertRoute(route); err != nil {
			log.Warn("Route sync failed", "server", route.DestinationServer, "error", err)
			return
		}
	}
}

// healthProber polls the bridge status and announces overlay
// reachability transitions on the event bus.
type healthProber struct {
	dispatcher *dispatch.Dispatcher
	bus        *eventbus.Bus
	log        *logger.Logger

	mu   sync.Mutex
	up   bool
	seen bool
}

func (p *healthProber) probe(ctx context.Context) {
	status := p.dispatcher.Status(ctx)

	p.mu.Lock()
	changed := !p.seen || status.MyceliumConnected != p.up
	p.up = status.MyceliumConnected
	p.seen = true
	p.mu.Unlock()
	if !changed {
		return
	}

	eventType := eventbus.EventOverlayDown
	if status.MyceliumConnected {
		eventType = eventbus.EventOverlayUp
		p.log.Info("Overlay node reachable",
			"routes", status.ConnectedServers, "pending", status.PendingMessages)
	} else {
		p.log.Warn("Overlay node unreachable, federation falls back to HTTPS")
	}
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventType})
	}
}
