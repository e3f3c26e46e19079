// Package routes maintains the federation route table: the mapping
// from Matrix server names to Mycelium overlay keys that decides which
// peers are reachable over the overlay.
package routes

import (
	"sort"
	"sync"
	"time"

	"github.com/mik-tf/mycelium-matrix-chat/pkg/errors"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/logger"
)

// Route binds a destination Matrix server to its Mycelium key.
type Route struct {
	DestinationServer string `json:"destination_server"`
	MyceliumKey       string `json:"mycelium_key"`
	LastSuccessful    int64  `json:"last_successful"`
	LatencyMS         int64  `json:"latency_ms"`
}

// Store persists routes across restarts. A nil Store keeps the table
// memory-only.
type Store interface {
	UpsertRoute(route Route) error
	DeleteRoute(serverName string) error
}

// Table is the in-memory route table. All reads and writes take the
// exclusive lock; lock holders never touch the network or the store.
type Table struct {
	mutex  sync.Mutex
	routes map[string]Route
	store  Store
	log    *logger.Logger
}

// NewTable returns an empty route table. store may be nil.
func NewTable(store Store, log *logger.Logger) *Table {
	if log == nil {
		log = logger.Global()
	}
	return &Table{
		routes: make(map[string]Route),
		store:  store,
		log:    log.WithComponent("routes"),
	}
}

// Add registers (or replaces) the route for serverName, stamping
// last_successful with the current time. The route is written through
// to the store; persistence failures degrade to memory-only with a
// warning.
func (t *Table) Add(serverName, myceliumKey string) Route {
	route := Route{
		DestinationServer: serverName,
		MyceliumKey:       myceliumKey,
		LastSuccessful:    time.Now().Unix(),
		LatencyMS:         0,
	}

	t.mutex.Lock()
	t.routes[serverName] = route
	t.mutex.Unlock()

	t.persist(route)
	t.log.Info("federation route added", "server", serverName)
	return route
}

// Put inserts a route verbatim, without restamping last_successful.
// Used when loading persisted routes and discovery results.
func (t *Table) Put(route Route) {
	t.mutex.Lock()
	t.routes[route.DestinationServer] = route
	t.mutex.Unlock()
}

// Get returns the route for serverName.
func (t *Table) Get(serverName string) (Route, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	route, ok := t.routes[serverName]
	if !ok {
		return Route{}, errors.NotFound("no route for server %s", serverName)
	}
	return route, nil
}

// Remove deletes the route for serverName, reporting NotFound when no
// such route exists.
func (t *Table) Remove(serverName string) error {
	t.mutex.Lock()
	_, ok := t.routes[serverName]
	if ok {
		delete(t.routes, serverName)
	}
	t.mutex.Unlock()

	if !ok {
		return errors.NotFound("no route for server %s", serverName)
	}

	if t.store != nil {
		if err := t.store.DeleteRoute(serverName); err != nil {
			t.log.Warn("failed to delete persisted route", "server", serverName, "error", err)
		}
	}
	t.log.Info("federation route removed", "server", serverName)
	return nil
}

// Touch records a successful overlay round trip for serverName.
func (t *Table) Touch(serverName string, latencyMS int64) {
	t.mutex.Lock()
	route, ok := t.routes[serverName]
	if ok {
		route.LastSuccessful = time.Now().Unix()
		route.LatencyMS = latencyMS
		t.routes[serverName] = route
	}
	t.mutex.Unlock()

	if ok {
		t.persist(route)
	}
}

// List returns all routes ordered by destination server.
func (t *Table) List() []Route {
	t.mutex.Lock()
	list := make([]Route, 0, len(t.routes))
	for _, route := range t.routes {
		list = append(list, route)
	}
	t.mutex.Unlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].DestinationServer < list[j].DestinationServer
	})
	return list
}

// Len returns the number of known routes.
func (t *Table) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.routes)
}

func (t *Table) persist(route Route) {
	if t.store == nil {
		return
	}
	if err := t.store.UpsertRoute(route); err != nil {
		t.log.Warn("failed to persist route", "server", route.DestinationServer, "error", err)
	}
}
