// Package discovery announces this bridge on the local network over
// mDNS and browses for peer bridges. Discovered peers are added to the
// route table so federation with them rides the overlay without any
// manual route configuration.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/mik-tf/mycelium-matrix-chat/pkg/errors"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/eventbus"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/logger"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/overlay"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/routes"
)

const (
	// ServiceName is the mDNS service type bridges advertise under.
	// The trailing dot is required for FQDN format in mDNS.
	ServiceName = "_matrix-bridge._tcp."

	// ServiceDomain is the mDNS domain.
	ServiceDomain = "local."

	// browseTimeout is how long one browse sweep waits for responses.
	browseTimeout = 5 * time.Second
)

// Peer is a bridge found on the local network.
type Peer struct {
	ServerName  string `json:"server_name"`
	MyceliumKey string `json:"mycelium_key"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
}

// Config holds the advertisement and browse settings.
type Config struct {
	// ServerName is this bridge's federation server name. Peers that
	// advertise the same name are ignored as self.
	ServerName string

	// MyceliumKey is this bridge's overlay public key, advertised so
	// peers can route to us without manual configuration.
	MyceliumKey string

	// Port is the bridge API port peers should talk to.
	Port int

	// Interval is the time between browse sweeps.
	Interval time.Duration

	// InstanceName overrides the mDNS instance name. Defaults to the
	// hostname.
	InstanceName string
}

// Service advertises this bridge over mDNS and periodically browses
// for peers, adding every new peer to the route table.
type Service struct {
	cfg    Config
	routes *routes.Table
	bus    *eventbus.Bus
	log    *logger.Logger

	mu     sync.Mutex
	server *mdns.Server
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a discovery service. The bus may be nil.
func New(cfg Config, table *routes.Table, bus *eventbus.Bus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Global()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Service{
		cfg:    cfg,
		routes: table,
		bus:    bus,
		log:    log.WithComponent("discovery"),
	}
}

// Start begins advertising and launches the browse loop. The loop runs
// until Stop is called or the context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return nil
	}
	if s.cfg.ServerName == "" {
		return errors.Config("Discovery requires a federation server name")
	}

	instance := s.cfg.InstanceName
	if instance == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = s.cfg.ServerName
		}
		instance = hostname
	}

	ips, err := localIPs()
	if err != nil {
		return errors.Wrap(errors.KindConfig, "Failed to enumerate local addresses", err)
	}

	txt := []string{
		fmt.Sprintf("server_name=%s", s.cfg.ServerName),
		fmt.Sprintf("mycelium_key=%s", s.cfg.MyceliumKey),
	}

	service, err := mdns.NewMDNSService(instance, ServiceName, ServiceDomain, "", s.cfg.Port, ips, txt)
	if err != nil {
		return errors.Wrap(errors.KindConfig, "Failed to build mDNS service", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return errors.Wrap(errors.KindConfig, "Failed to start mDNS server", err)
	}
	s.server = server

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.watch(ctx)

	s.log.Info("Advertising bridge on local network",
		"service", ServiceName, "server_name", s.cfg.ServerName, "port", s.cfg.Port)
	return nil
}

// Stop stops advertising and waits for the browse loop to exit.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	s.cancel()
	<-s.done
	err := s.server.Shutdown()
	s.server = nil
	return err
}

// watch runs browse sweeps until the context is cancelled. The first
// sweep runs immediately so fresh bridges converge fast.
func (s *Service) watch(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep runs one mDNS query and feeds every answer to handleEntry.
func (s *Service) sweep() {
	entries := make(chan *mdns.ServiceEntry, 16)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for entry := range entries {
			s.handleEntry(entry)
		}
	}()

	params := &mdns.QueryParam{
		Service: ServiceName,
		Domain:  ServiceDomain,
		Timeout: browseTimeout,
		Entries: entries,
	}
	if err := mdns.Query(params); err != nil {
		s.log.Warn("Peer browse failed", "error", err)
	}
	close(entries)
	<-collected
}

// handleEntry adds a newly discovered peer to the route table.
// Entries without the bridge TXT records, with an implausible overlay
// key, or naming this bridge itself are ignored. Known peers keep
// their existing route.
func (s *Service) handleEntry(entry *mdns.ServiceEntry) {
	peer, ok := parsePeer(entry)
	if !ok {
		return
	}
	if peer.ServerName == s.cfg.ServerName {
		return
	}
	if _, err := s.routes.Get(peer.ServerName); err == nil {
		return
	}

	s.routes.Add(peer.ServerName, peer.MyceliumKey)
	s.log.Info("Discovered bridge peer",
		"server", peer.ServerName, "host", peer.Host, "port", peer.Port)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type:   eventbus.EventRouteDiscovered,
			Server: peer.ServerName,
			Data: map[string]any{
				"mycelium_key": peer.MyceliumKey,
				"host":         peer.Host,
				"port":         peer.Port,
			},
		})
	}
}

// parsePeer extracts a bridge peer from an mDNS answer. Both the
// server_name and a plausible mycelium_key TXT record are required.
func parsePeer(entry *mdns.ServiceEntry) (Peer, bool) {
	peer := Peer{Port: entry.Port}

	for _, field := range entry.InfoFields {
		key, value, found := strings.Cut(field, "=")
		if !found {
			continue
		}
		switch key {
		case "server_name":
			peer.ServerName = value
		case "mycelium_key":
			peer.MyceliumKey = value
		}
	}
	if peer.ServerName == "" || !overlay.IsKeyLiteral(peer.MyceliumKey) {
		return Peer{}, false
	}

	if entry.AddrV4 != nil {
		peer.Host = entry.AddrV4.String()
	} else if entry.AddrV6 != nil {
		peer.Host = entry.AddrV6.String()
	}
	return peer, true
}

// localIPs returns the addresses to advertise: every up, non-loopback,
// non-link-local interface address.
func localIPs() ([]net.IP, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			ips = append(ips, ip)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no suitable interface addresses")
	}
	return ips, nil
}
