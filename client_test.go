package rsdriver

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/nimbusdb/rsdriver/internal/address"
	"github.com/nimbusdb/rsdriver/internal/readpref"
	"github.com/nimbusdb/rsdriver/internal/wire"
)

// startFakeMember runs a tiny server that answers every incoming
// framed request with resp(), standing in for a real replica set
// member (same shape as internal/discover's test double — a single
// canned handshake response doubles as the payload the router reads
// back from a non-handshake Send too).
func startFakeMember(t *testing.T, resp func() wire.HandshakeResponse) address.Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeMember(conn, resp)
		}
	}()

	ep, err := address.Parse(ln.Addr().String())
	if err != nil {
		t.Fatalf("parsing listener addr: %v", err)
	}
	return ep
}

func serveFakeMember(conn net.Conn, resp func() wire.HandshakeResponse) {
	defer conn.Close()
	for {
		h, err := wire.ReadHeader(conn)
		if err != nil {
			return
		}
		payload := make([]byte, int(h.Length)-wire.HeaderSize)
		total := 0
		for total < len(payload) {
			n, err := conn.Read(payload[total:])
			total += n
			if err != nil {
				return
			}
		}

		replyPayload, err := json.Marshal(resp())
		if err != nil {
			return
		}
		if err := wire.Reply(conn, 1, h.RequestID, replyPayload); err != nil {
			return
		}
	}
}

func testOptions(seeds ...address.Endpoint) Options {
	return Options{
		Seeds:            seeds,
		ReplicaSet:       "rs0",
		HandshakeTimeout: 2 * time.Second,
	}
}

func TestNewRejectsEmptySeedList(t *testing.T) {
	_, err := New(Options{ReplicaSet: "rs0"})
	if !IsConfiguration(err) {
		t.Fatalf("expected a configuration error, got %v", err)
	}
}

func TestNewRejectsMissingReplicaSetName(t *testing.T) {
	_, err := New(Options{Seeds: []address.Endpoint{{Host: "a", Port: 1}}})
	if !IsConfiguration(err) {
		t.Fatalf("expected a configuration error, got %v", err)
	}
}

func TestNewDiscoversPrimaryAtConstruction(t *testing.T) {
	var primaryEp address.Endpoint
	primaryEp = startFakeMember(t, func() wire.HandshakeResponse {
		return wire.HandshakeResponse{
			IsMaster: true,
			SetName:  "rs0",
			Hosts:    []string{primaryEp.String()},
		}
	})

	c, err := New(testOptions(primaryEp))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	snap := c.Snapshot()
	w, ok := snap.Writer()
	if !ok || w != primaryEp {
		t.Fatalf("expected writer %v after construction, got %v (ok=%v)", primaryEp, w, ok)
	}
}

func TestSendRoutesToPrimary(t *testing.T) {
	var primaryEp address.Endpoint
	primaryEp = startFakeMember(t, func() wire.HandshakeResponse {
		return wire.HandshakeResponse{
			IsMaster: true,
			SetName:  "rs0",
			Hosts:    []string{primaryEp.String()},
		}
	})

	c, err := New(testOptions(primaryEp))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	msg := wire.OutgoingMessage{RequestID: 7, Payload: []byte(`{"ping":1}`)}
	ep, payload, err := c.Send(context.Background(), msg, SendOptions{
		ReadPreference: &readpref.ReadPref{Mode: readpref.Primary},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ep != primaryEp {
		t.Fatalf("expected response from %v, got %v", primaryEp, ep)
	}

	var hs wire.HandshakeResponse
	if err := json.Unmarshal(payload, &hs); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !hs.IsMaster {
		t.Fatal("expected the fake primary's canned response back")
	}
}

func TestStartRequestPinsAndReleaseUnpins(t *testing.T) {
	var primaryEp address.Endpoint
	primaryEp = startFakeMember(t, func() wire.HandshakeResponse {
		return wire.HandshakeResponse{
			IsMaster: true,
			SetName:  "rs0",
			Hosts:    []string{primaryEp.String()},
		}
	})

	c, err := New(testOptions(primaryEp))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	req := c.StartRequest()
	msg := wire.OutgoingMessage{RequestID: 1, Payload: []byte(`{"ping":1}`)}
	if _, _, err := c.Send(context.Background(), msg, SendOptions{Req: req, ReadPreference: &readpref.ReadPref{Mode: readpref.Primary}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if _, ok := c.Snapshot().PinnedEndpoint(req.ID()); !ok {
		t.Fatal("expected the request to be pinned to the primary after a primary-mode send")
	}

	req.Release()
	if _, ok := c.Snapshot().PinnedEndpoint(req.ID()); ok {
		t.Fatal("expected Release to clear the request's pin")
	}

	// Release is idempotent.
	req.Release()
}

func TestDisconnectClearsWriter(t *testing.T) {
	var primaryEp address.Endpoint
	primaryEp = startFakeMember(t, func() wire.HandshakeResponse {
		return wire.HandshakeResponse{
			IsMaster: true,
			SetName:  "rs0",
			Hosts:    []string{primaryEp.String()},
		}
	})

	c, err := New(testOptions(primaryEp))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	c.Disconnect()
	if _, ok := c.Snapshot().Writer(); ok {
		t.Fatal("expected Disconnect to clear the writer")
	}
}

func TestAliveReturnsFalseWithoutPrimary(t *testing.T) {
	unreachable := address.Endpoint{Host: "127.0.0.1", Port: 1}
	opts := testOptions(unreachable)
	opts.HandshakeTimeout = 200 * time.Millisecond

	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if c.Alive(ctx) {
		t.Fatal("expected Alive to report false with no reachable primary")
	}
}

func TestCredentialCacheRejectsConflictingUser(t *testing.T) {
	c := newCredentialCache(nil)
	if err := c.Add(Credential{Source: "admin", Username: "alice"}); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if err := c.Add(Credential{Source: "admin", Username: "bob"}); err == nil {
		t.Fatal("expected adding a conflicting user on the same source to fail")
	}
	if err := c.Add(Credential{Source: "admin", Username: "alice"}); err != nil {
		t.Fatalf("re-adding the same user should succeed: %v", err)
	}
}
