// Package upcall implements the framed bidirectional channel to the
// kernel NFS server: request/reply message shape, version negotiation,
// and the commands the tracker answers.
//
// Framing is RPC-style record marking: a fixed-size header read with
// io.ReadFull (version, command, xid, payload length), then the payload
// read with io.ReadFull sized from the header. Field encoding uses the
// big-endian, length-prefixed opaque-data convention of XDR, since the
// kernel upcall ABI is itself XDR-like even though it carries no RPC
// envelope.
package upcall

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/openunix/nfsdcld/internal/clientid"
)

// MaxPayloadSize bounds a single upcall payload. It only needs to hold a
// length-prefixed ClientId (at most OpaqueLimit bytes) plus a small
// margin for future payload shapes.
const MaxPayloadSize = 4 + clientid.OpaqueLimit + 64

// Command identifies an upcall request or unsolicited message.
type Command uint32

const (
	CmdInit Command = iota + 1
	CmdCreate
	CmdRemove
	CmdCheck
	CmdGraceStart
	CmdGraceDone
	CmdHasSession
	// CmdRecoveryEntry is sent unsolicited, kernel-ward, during iteration.
	CmdRecoveryEntry
	// CmdRecoveryDone terminates an iteration burst.
	CmdRecoveryDone
)

func (c Command) String() string {
	switch c {
	case CmdInit:
		return "Init"
	case CmdCreate:
		return "Create"
	case CmdRemove:
		return "Remove"
	case CmdCheck:
		return "Check"
	case CmdGraceStart:
		return "GraceStart"
	case CmdGraceDone:
		return "GraceDone"
	case CmdHasSession:
		return "HasSession"
	case CmdRecoveryEntry:
		return "RecoveryEntry"
	case CmdRecoveryDone:
		return "RecoveryDone"
	default:
		return fmt.Sprintf("Command(%d)", c)
	}
}

// Status is the small integer a reply carries: 0 is ok, negative values
// are errno-like, with Denied reusing the "permission denied" errno for
// Check.
type Status int32

const (
	StatusOK      Status = 0
	StatusDenied  Status = -13 // EACCES
	StatusInvalid Status = -22 // EINVAL
	StatusIO      Status = -5  // EIO
	StatusNoEnt   Status = -2  // ENOENT (unused on the wire today, kept for clarity)
)

// ProtocolVersion is the highest upcall protocol version this daemon
// implements.
const ProtocolVersion uint32 = 1

// requestHeaderSize is the fixed wire size of a Request header:
// version(4) + command(4) + xid(8) + payload length(4).
const requestHeaderSize = 4 + 4 + 8 + 4

// replyHeaderSize is the fixed wire size of a Reply header: the request
// header fields plus a signed status(4).
const replyHeaderSize = requestHeaderSize + 4

// Request is one decoded upcall request.
type Request struct {
	Version uint32
	Command Command
	XID     uint64
	Payload []byte
}

// Reply is one encoded upcall reply. XID must echo the originating
// Request's XID.
type Reply struct {
	Version uint32
	Command Command
	XID     uint64
	Status  Status
	Payload []byte
}

// ReadRequest reads one length-framed request from r. Framing errors,
// truncated reads, and oversize payloads are returned as errors; callers
// must drop the request (no reply) rather than propagate the error to
// the kernel, per the upcall channel's fire-and-forget error semantics.
func ReadRequest(r io.Reader) (*Request, error) {
	var hdr [requestHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	version := binary.BigEndian.Uint32(hdr[0:4])
	command := Command(binary.BigEndian.Uint32(hdr[4:8]))
	xid := binary.BigEndian.Uint64(hdr[8:16])
	payloadLen := binary.BigEndian.Uint32(hdr[16:20])

	if payloadLen > MaxPayloadSize {
		return nil, fmt.Errorf("upcall: payload too large: %d bytes", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("upcall: read payload: %w", err)
		}
	}

	return &Request{Version: version, Command: command, XID: xid, Payload: payload}, nil
}

// WriteReply frames and writes a reply, echoing the originating xid.
func WriteReply(w io.Writer, reply *Reply) error {
	buf := make([]byte, replyHeaderSize+len(reply.Payload))
	binary.BigEndian.PutUint32(buf[0:4], reply.Version)
	binary.BigEndian.PutUint32(buf[4:8], uint32(reply.Command))
	binary.BigEndian.PutUint64(buf[8:16], reply.XID)
	binary.BigEndian.PutUint32(buf[16:20], uint32(reply.Status))
	binary.BigEndian.PutUint32(buf[20:24], uint32(len(reply.Payload)))
	copy(buf[replyHeaderSize:], reply.Payload)

	_, err := w.Write(buf)
	return err
}

// ReadReply reads one length-framed reply from r. Used by the kernel side
// of the channel (tests, and any future userspace simulator); the daemon
// itself only ever calls WriteReply.
func ReadReply(r io.Reader) (*Reply, error) {
	var hdr [replyHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	version := binary.BigEndian.Uint32(hdr[0:4])
	command := Command(binary.BigEndian.Uint32(hdr[4:8]))
	xid := binary.BigEndian.Uint64(hdr[8:16])
	status := Status(int32(binary.BigEndian.Uint32(hdr[16:20])))
	payloadLen := binary.BigEndian.Uint32(hdr[20:24])

	if payloadLen > MaxPayloadSize {
		return nil, fmt.Errorf("upcall: payload too large: %d bytes", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("upcall: read payload: %w", err)
		}
	}

	return &Reply{Version: version, Command: command, XID: xid, Status: status, Payload: payload}, nil
}

// EncodeClientID encodes a ClientId payload as length-prefix + bytes.
func EncodeClientID(id clientid.ID) []byte {
	buf := make([]byte, 4+len(id))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(id)))
	copy(buf[4:], id)
	return buf
}

// DecodeClientID decodes a length-prefixed ClientId payload.
func DecodeClientID(payload []byte) (clientid.ID, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("upcall: truncated client id payload")
	}
	length := binary.BigEndian.Uint32(payload[0:4])
	if int(length) > len(payload)-4 {
		return nil, fmt.Errorf("upcall: client id payload length mismatch")
	}
	id := make(clientid.ID, length)
	copy(id, payload[4:4+length])
	return id, clientid.Validate(id)
}

// NegotiateVersion returns the highest version this daemon implements
// that is <= kernelVersion, or an error if none exists (the daemon must
// fail closed and exit in that case).
func NegotiateVersion(kernelVersion uint32) (uint32, error) {
	if kernelVersion < 1 {
		return 0, fmt.Errorf("upcall: kernel offers no compatible version (kernel=%d, max supported=%d)", kernelVersion, ProtocolVersion)
	}
	if kernelVersion < ProtocolVersion {
		return kernelVersion, nil
	}
	return ProtocolVersion, nil
}
