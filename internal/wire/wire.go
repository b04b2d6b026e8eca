// Package wire implements the replica set wire message framing and
// handshake document shape described in spec.md §6. Document
// encoding/decoding proper is an out-of-scope external collaborator
// (spec.md §1); Codec is the seam where the real binary document codec
// plugs in. The default JSON codec here is a stand-in used by the
// driver's own tests and by callers who have not wired a real one.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// HeaderSize is the fixed wire message header length (spec.md §6).
const HeaderSize = 16

// OpReply is the only opcode the router accepts on a response
// (spec.md §6).
const OpReply = 1

// Header is the 16-byte envelope every wire message carries.
type Header struct {
	Length      int32
	RequestID   int32
	ResponseTo  int32
	OpCode      int32
}

// WriteHeader serializes h in little-endian wire order.
func WriteHeader(w io.Writer, h Header) error {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Length))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.RequestID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.ResponseTo))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.OpCode))
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads and parses a 16-byte header.
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, err
	}
	return Header{
		Length:     int32(binary.LittleEndian.Uint32(buf[0:4])),
		RequestID:  int32(binary.LittleEndian.Uint32(buf[4:8])),
		ResponseTo: int32(binary.LittleEndian.Uint32(buf[8:12])),
		OpCode:     int32(binary.LittleEndian.Uint32(buf[12:16])),
	}, nil
}

// OutgoingMessage is the already-framed request the router sends
// (spec.md §6): opaque payload bytes plus the request id, and an
// optional per-message document-size ceiling. MaxDocumentSize is nil
// for messages the size check does not apply to (DESIGN.md open
// question #2 — "get more"/"kill cursors" carry no size field).
type OutgoingMessage struct {
	RequestID       int32
	Payload         []byte
	MaxDocumentSize *int
}

// ReadMessage reads one full wire message (header + payload) and
// verifies responseTo/opCode against the request that produced it
// (spec.md §6).
func ReadMessage(r io.Reader, requestID int32) ([]byte, error) {
	br := bufio.NewReader(r)
	h, err := ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("wire: reading header: %w", err)
	}
	if h.ResponseTo != requestID {
		return nil, fmt.Errorf("wire: responseTo %d does not match requestId %d", h.ResponseTo, requestID)
	}
	if h.OpCode != OpReply {
		return nil, fmt.Errorf("wire: unexpected opCode %d, want %d", h.OpCode, OpReply)
	}
	payloadLen := int(h.Length) - HeaderSize
	if payloadLen < 0 {
		return nil, fmt.Errorf("wire: invalid message length %d", h.Length)
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(br, payload); err != nil {
			return nil, fmt.Errorf("wire: reading payload: %w", err)
		}
	}
	return payload, nil
}

// Send writes a full wire message: the header (computed from
// len(payload)) followed by the payload. Used for a fresh outgoing
// request, which carries no responseTo.
func Send(w io.Writer, requestID int32, payload []byte) error {
	return Reply(w, requestID, 0, payload)
}

// Reply writes a full wire message whose header's responseTo names the
// request it answers (spec.md §6); the server side of a handshake (and
// any test double standing in for one) uses this, not Send.
func Reply(w io.Writer, requestID, responseTo int32, payload []byte) error {
	h := Header{
		Length:     int32(HeaderSize + len(payload)),
		RequestID:  requestID,
		ResponseTo: responseTo,
		OpCode:     OpReply,
	}
	if err := WriteHeader(w, h); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// HandshakeCommand is the "isMaster" command sent against the admin
// database (spec.md §6).
type HandshakeCommand struct {
	IsMaster int `json:"isMaster"`
}

// HandshakeResponse is the subset of fields the handshake consumes
// (spec.md §6).
type HandshakeResponse struct {
	IsMaster          bool              `json:"ismaster"`
	Secondary         bool              `json:"secondary,omitempty"`
	SetName           string            `json:"setName,omitempty"`
	Hosts             []string          `json:"hosts,omitempty"`
	Passives          []string          `json:"passives,omitempty"`
	Arbiters          []string          `json:"arbiters,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
	MaxBSONObjectSize int               `json:"maxBsonObjectSize,omitempty"`
}

// ErrorDocument is a decoded server error document (spec.md §7).
type ErrorDocument struct {
	OK      float64 `json:"ok"`
	Err     string  `json:"err,omitempty"`
	ErrMsg  string  `json:"errmsg,omitempty"`
	Code    int     `json:"code,omitempty"`
}

// Message returns whichever of Err/ErrMsg is populated.
func (e ErrorDocument) Message() string {
	if e.ErrMsg != "" {
		return e.ErrMsg
	}
	return e.Err
}

// Failed reports whether the document represents a command failure.
func (e ErrorDocument) Failed() bool {
	return e.OK == 0
}

// Codec encodes outgoing commands and decodes incoming documents. It is
// the seam for the out-of-scope document codec collaborator (spec.md
// §1); JSONCodec below is a default stand-in.
type Codec interface {
	EncodeHandshake(cmd HandshakeCommand) ([]byte, error)
	DecodeHandshake(payload []byte) (HandshakeResponse, error)
	DecodeError(payload []byte) (ErrorDocument, error)
}

// JSONCodec is the default Codec: it encodes/decodes commands as JSON.
// A production deployment wires in the real document codec in its
// place; spec.md §1 explicitly keeps that codec out of this module's
// scope.
type JSONCodec struct{}

func (JSONCodec) EncodeHandshake(cmd HandshakeCommand) ([]byte, error) {
	return json.Marshal(cmd)
}

func (JSONCodec) DecodeHandshake(payload []byte) (HandshakeResponse, error) {
	var hr HandshakeResponse
	err := json.Unmarshal(payload, &hr)
	return hr, err
}

func (JSONCodec) DecodeError(payload []byte) (ErrorDocument, error) {
	var ed ErrorDocument
	err := json.Unmarshal(payload, &ed)
	return ed, err
}
