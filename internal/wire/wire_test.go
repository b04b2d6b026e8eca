package wire

import (
	"bytes"
	"testing"
)

func TestSendReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"ismaster":true}`)
	if err := Send(&buf, 7, payload); err != nil {
		t.Fatal(err)
	}

	// Send frames a fresh request, so its header carries responseTo 0.
	got, err := ReadMessage(&buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestReadMessageRejectsMismatchedResponseTo(t *testing.T) {
	var buf bytes.Buffer
	if err := Send(&buf, 7, []byte("{}")); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadMessage(&buf, 8); err == nil {
		t.Fatal("expected responseTo mismatch error")
	}
}

func TestJSONCodecHandshakeRoundTrip(t *testing.T) {
	var c JSONCodec
	raw, err := c.EncodeHandshake(HandshakeCommand{IsMaster: 1})
	if err != nil {
		t.Fatal(err)
	}

	resp := `{"ismaster":true,"setName":"rs0","hosts":["a:27017","b:27017"],"arbiters":["c:27017"]}`
	hr, err := c.DecodeHandshake([]byte(resp))
	if err != nil {
		t.Fatal(err)
	}
	if !hr.IsMaster || hr.SetName != "rs0" || len(hr.Hosts) != 2 || len(hr.Arbiters) != 1 {
		t.Fatalf("got %+v from raw command %s", hr, raw)
	}
}

func TestReplyCarriesResponseTo(t *testing.T) {
	var buf bytes.Buffer
	if err := Reply(&buf, 99, 7, []byte("{}")); err != nil {
		t.Fatal(err)
	}
	got, err := ReadMessage(&buf, 7)
	if err != nil {
		t.Fatalf("expected responseTo 7 to satisfy ReadMessage: %v", err)
	}
	if string(got) != "{}" {
		t.Fatalf("got %q", got)
	}
}

func TestErrorDocumentMessage(t *testing.T) {
	ed := ErrorDocument{OK: 0, ErrMsg: "not master"}
	if !ed.Failed() {
		t.Fatal("expected Failed() true when ok == 0")
	}
	if ed.Message() != "not master" {
		t.Fatalf("got %q", ed.Message())
	}
}
