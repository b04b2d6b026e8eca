package router

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/nimbusdb/rsdriver/internal/address"
	"github.com/nimbusdb/rsdriver/internal/errs"
	"github.com/nimbusdb/rsdriver/internal/member"
	"github.com/nimbusdb/rsdriver/internal/pool"
	"github.com/nimbusdb/rsdriver/internal/readpref"
	"github.com/nimbusdb/rsdriver/internal/topology"
	"github.com/nimbusdb/rsdriver/internal/wire"
)

// startFakeServer answers every framed request on its listener with
// reply(), standing in for a member's command responses.
func startFakeServer(t *testing.T, reply func() []byte) address.Endpoint {
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
			go func(c net.Conn) {
				defer c.Close()
				for {
					h, err := wire.ReadHeader(c)
					if err != nil {
						return
					}
					payload := make([]byte, int(h.Length)-wire.HeaderSize)
					if len(payload) > 0 {
						if _, err := readFull(c, payload); err != nil {
							return
						}
					}
					if err := wire.Reply(c, 1, h.RequestID, reply()); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	ep, err := address.Parse(ln.Addr().String())
	if err != nil {
		t.Fatalf("parsing listener addr: %v", err)
	}
	return ep
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

type fakePool struct{ ep address.Endpoint }

func (f fakePool) Endpoint() address.Endpoint { return f.ep }

func newMember(ep address.Endpoint, hs member.Handshake) member.Member {
	return member.New(ep, fakePool{ep}, hs, time.Millisecond)
}

type fakeMonitor struct {
	scheduleCalls int
}

func (f *fakeMonitor) Start()           {}
func (f *fakeMonitor) ScheduleRefresh() { f.scheduleCalls++ }
func (f *fakeMonitor) WaitForRefresh(time.Duration) bool { return true }

func newTestRouter(t *testing.T, snap topology.Snapshot) (*Router, *topology.Holder, *fakeMonitor) {
	t.Helper()
	holder := topology.NewHolder(snap)
	mgr := pool.NewManager(pool.Options{})
	t.Cleanup(mgr.CloseAll)
	mon := &fakeMonitor{}
	return New(holder, mgr, wire.JSONCodec{}, mon), holder, mon
}

func okPayload() []byte {
	b, _ := json.Marshal(wire.ErrorDocument{OK: 1})
	return b
}

func TestRouteSendsToPrimaryUnderPrimaryMode(t *testing.T) {
	primaryEp := startFakeServer(t, okPayload)
	members := map[address.Endpoint]member.Member{
		primaryEp: newMember(primaryEp, member.Handshake{IsPrimary: true}),
	}
	snap := topology.New(members, map[address.Endpoint]struct{}{}, primaryEp, true, "", topology.Empty())

	r, _, _ := newTestRouter(t, snap)
	ep, payload, err := r.Route(context.Background(), 0, wire.OutgoingMessage{RequestID: 1, Payload: []byte("{}")}, Target{Mode: readpref.Primary})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if ep != primaryEp {
		t.Fatalf("expected primary %v, got %v", primaryEp, ep)
	}
	if len(payload) == 0 {
		t.Fatal("expected a non-empty response payload")
	}
}

func TestRouteReusesPinnedEndpointOnSecondCall(t *testing.T) {
	epA := startFakeServer(t, okPayload)
	epB := startFakeServer(t, okPayload)
	members := map[address.Endpoint]member.Member{
		epA: newMember(epA, member.Handshake{IsSecondary: true}),
		epB: newMember(epB, member.Handshake{IsSecondary: true}),
	}
	snap := topology.New(members, map[address.Endpoint]struct{}{}, address.Endpoint{}, false, "", topology.Empty())

	r, holder, _ := newTestRouter(t, snap)
	id := pool.RequestID(42)
	target := Target{Mode: readpref.Secondary}

	first, _, err := r.Route(context.Background(), id, wire.OutgoingMessage{RequestID: 1, Payload: []byte("{}")}, target)
	if err != nil {
		t.Fatalf("first Route: %v", err)
	}
	if pinned, ok := holder.Load().PinnedEndpoint(id); !ok || pinned != first {
		t.Fatalf("expected %v to be pinned, got %v (ok=%v)", first, pinned, ok)
	}

	second, _, err := r.Route(context.Background(), id, wire.OutgoingMessage{RequestID: 2, Payload: []byte("{}")}, target)
	if err != nil {
		t.Fatalf("second Route: %v", err)
	}
	if second != first {
		t.Fatalf("expected the pinned endpoint %v to be reused, got %v", first, second)
	}
}

func TestRouteSkipsUnreachableCandidateAndRetries(t *testing.T) {
	good := startFakeServer(t, okPayload)
	dead := address.Endpoint{Host: "127.0.0.1", Port: 1}
	members := map[address.Endpoint]member.Member{
		good: newMember(good, member.Handshake{IsSecondary: true}),
		dead: newMember(dead, member.Handshake{IsSecondary: true}),
	}
	snap := topology.New(members, map[address.Endpoint]struct{}{}, address.Endpoint{}, false, "", topology.Empty())

	r, _, _ := newTestRouter(t, snap)
	ep, _, err := r.Route(context.Background(), 0, wire.OutgoingMessage{RequestID: 1, Payload: []byte("{}")}, Target{Mode: readpref.Secondary})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if ep != good {
		t.Fatalf("expected the reachable member %v to win after retry, got %v", good, ep)
	}
}

func TestRouteExhaustsRetriesAndReturnsAutoReconnect(t *testing.T) {
	snap := topology.Empty()
	r, _, mon := newTestRouter(t, snap)

	_, _, err := r.Route(context.Background(), 0, wire.OutgoingMessage{RequestID: 1, Payload: []byte("{}")}, Target{Mode: readpref.Secondary})
	if !errs.Is(err, errs.AutoReconnect) {
		t.Fatalf("expected an AutoReconnect error, got %v", err)
	}
	if mon.scheduleCalls == 0 {
		t.Fatal("expected the monitor to be nudged when there is no primary")
	}
}

func TestDisconnectClearsWriterAndAffinity(t *testing.T) {
	primaryEp := startFakeServer(t, okPayload)
	members := map[address.Endpoint]member.Member{
		primaryEp: newMember(primaryEp, member.Handshake{IsPrimary: true}),
	}
	snap := topology.New(members, map[address.Endpoint]struct{}{}, primaryEp, true, "", topology.Empty())

	r, holder, _ := newTestRouter(t, snap)
	r.Disconnect()

	if _, ok := holder.Load().Writer(); ok {
		t.Fatal("expected Disconnect to clear the writer")
	}
}

func TestSendWithAckClassifiesDuplicateKey(t *testing.T) {
	primaryEp := startFakeServer(t, func() []byte {
		b, _ := json.Marshal(wire.ErrorDocument{OK: 0, ErrMsg: "E11000 duplicate key error", Code: 11000})
		return b
	})
	members := map[address.Endpoint]member.Member{
		primaryEp: newMember(primaryEp, member.Handshake{IsPrimary: true}),
	}
	snap := topology.New(members, map[address.Endpoint]struct{}{}, primaryEp, true, "", topology.Empty())

	r, _, _ := newTestRouter(t, snap)
	_, err := r.SendWithAck(context.Background(), 0, wire.OutgoingMessage{RequestID: 1, Payload: []byte("{}")}, Target{Mode: readpref.Primary, MustUsePrimary: true}, true)
	if !errs.Is(err, errs.DuplicateKey) {
		t.Fatalf("expected a DuplicateKey error, got %v", err)
	}
}

func TestSendWithAckDisconnectsOnNotMaster(t *testing.T) {
	primaryEp := startFakeServer(t, func() []byte {
		b, _ := json.Marshal(wire.ErrorDocument{OK: 0, ErrMsg: "not master"})
		return b
	})
	members := map[address.Endpoint]member.Member{
		primaryEp: newMember(primaryEp, member.Handshake{IsPrimary: true}),
	}
	snap := topology.New(members, map[address.Endpoint]struct{}{}, primaryEp, true, "", topology.Empty())

	r, holder, _ := newTestRouter(t, snap)
	_, err := r.SendWithAck(context.Background(), 0, wire.OutgoingMessage{RequestID: 1, Payload: []byte("{}")}, Target{Mode: readpref.Primary, MustUsePrimary: true}, true)
	if !errs.Is(err, errs.AutoReconnect) {
		t.Fatalf("expected an AutoReconnect error, got %v", err)
	}
	if _, ok := holder.Load().Writer(); ok {
		t.Fatal("expected a not-master response to clear the writer")
	}
}
