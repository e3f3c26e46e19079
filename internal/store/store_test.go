package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mik-tf/mycelium-matrix-chat/pkg/routes"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "bridge.db"), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRoutePersistence(t *testing.T) {
	s := openTestStore(t)

	route := routes.Route{
		DestinationServer: "peer.example.com",
		MyceliumKey:       "deadbeef",
		LastSuccessful:    1700000000,
		LatencyMS:         12,
	}
	if err := s.UpsertRoute(route); err != nil {
		t.Fatalf("UpsertRoute() error = %v", err)
	}

	loaded, err := s.LoadRoutes(context.Background())
	if err != nil {
		t.Fatalf("LoadRoutes() error = %v", err)
	}
	if len(loaded) != 1 || loaded[0] != route {
		t.Errorf("LoadRoutes() = %+v", loaded)
	}

	// Upsert replaces.
	route.MyceliumKey = "cafe"
	route.LatencyMS = 3
	if err := s.UpsertRoute(route); err != nil {
		t.Fatal(err)
	}
	loaded, _ = s.LoadRoutes(context.Background())
	if len(loaded) != 1 || loaded[0].MyceliumKey != "cafe" || loaded[0].LatencyMS != 3 {
		t.Errorf("after upsert: %+v", loaded)
	}
}

func TestDeleteRoute(t *testing.T) {
	s := openTestStore(t)

	s.UpsertRoute(routes.Route{DestinationServer: "peer.example.com", MyceliumKey: "k"})
	if err := s.DeleteRoute("peer.example.com"); err != nil {
		t.Fatalf("DeleteRoute() error = %v", err)
	}

	loaded, err := s.LoadRoutes(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 0 {
		t.Errorf("LoadRoutes() = %+v after delete", loaded)
	}

	// Deleting an absent row is not an error at the store level.
	if err := s.DeleteRoute("gone.example.com"); err != nil {
		t.Errorf("DeleteRoute(absent) error = %v", err)
	}
}

func TestLoadRoutesOrdered(t *testing.T) {
	s := openTestStore(t)

	s.UpsertRoute(routes.Route{DestinationServer: "zeta.example.com", MyceliumKey: "k1"})
	s.UpsertRoute(routes.Route{DestinationServer: "alpha.example.com", MyceliumKey: "k2"})

	loaded, err := s.LoadRoutes(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 || loaded[0].DestinationServer != "alpha.example.com" {
		t.Errorf("LoadRoutes() = %+v", loaded)
	}
}

func TestMembershipCache(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.UpsertMember(ctx, "!r:srv.example", "@a:srv.example", "join")
	s.UpsertMember(ctx, "!r:srv.example", "@b:peer.example", "join")
	s.UpsertMember(ctx, "!r:srv.example", "@c:peer.example", "join")
	s.UpsertMember(ctx, "!r:srv.example", "@d:gone.example", "leave")
	s.UpsertMember(ctx, "!other:x", "@e:elsewhere.example", "join")

	members, err := s.JoinedMembers(ctx, "!r:srv.example")
	if err != nil {
		t.Fatalf("JoinedMembers() error = %v", err)
	}
	if len(members) != 3 {
		t.Errorf("JoinedMembers() = %v", members)
	}

	servers, err := s.ServersInRoom(ctx, "!r:srv.example")
	if err != nil {
		t.Fatalf("ServersInRoom() error = %v", err)
	}
	if len(servers) != 2 || servers[0] != "peer.example" || servers[1] != "srv.example" {
		t.Errorf("ServersInRoom() = %v", servers)
	}
}

func TestMemberServersAcrossRooms(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.UpsertMember(ctx, "!r1:srv.example", "@a:peer.example", "join")
	s.UpsertMember(ctx, "!r2:srv.example", "@b:other.example", "join")
	s.UpsertMember(ctx, "!r2:srv.example", "@c:peer.example", "join")
	s.UpsertMember(ctx, "!r3:srv.example", "@d:gone.example", "leave")

	servers, err := s.MemberServers(ctx)
	if err != nil {
		t.Fatalf("MemberServers() error = %v", err)
	}
	if len(servers) != 2 || servers[0] != "other.example" || servers[1] != "peer.example" {
		t.Errorf("MemberServers() = %v", servers)
	}
}

func TestMembershipTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.UpsertMember(ctx, "!r:srv.example", "@a:peer.example", "join")
	s.UpsertMember(ctx, "!r:srv.example", "@a:peer.example", "leave")

	servers, err := s.ServersInRoom(ctx, "!r:srv.example")
	if err != nil {
		t.Fatal(err)
	}
	if len(servers) != 0 {
		t.Errorf("ServersInRoom() = %v after leave", servers)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.db")
	ctx := context.Background()

	s, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.UpsertRoute(routes.Route{DestinationServer: "peer.example.com", MyceliumKey: "k"})
	s.Close()

	s2, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()

	loaded, err := s2.LoadRoutes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 {
		t.Errorf("LoadRoutes() after reopen = %+v", loaded)
	}
}
