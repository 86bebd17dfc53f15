package upcall

import (
	"io"
	"os"

	"github.com/openunix/nfsdcld/internal/logger"
)

// Transport is a bidirectional byte channel to the kernel. In production
// it is backed by a character device; for local development and tests it
// runs over any io.ReadWriteCloser (net.Pipe, io.Pipe, a Unix FIFO).
type Transport struct {
	rw io.ReadWriteCloser
}

// New wraps an already-open channel.
func New(rw io.ReadWriteCloser) *Transport {
	return &Transport{rw: rw}
}

// Open opens the upcall character device at path for reading and writing.
func Open(path string) (*Transport, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	logger.Info("upcall channel opened", logger.KeyPath, path)
	return New(f), nil
}

// ReadRequest reads the next framed request. Returns io.EOF when the
// kernel closes the channel (TransportLost at the dispatcher layer).
func (t *Transport) ReadRequest() (*Request, error) {
	req, err := ReadRequest(t.rw)
	if err != nil {
		return nil, err
	}
	logger.DebugSub("upcall", "request read", logger.KeyCommand, req.Command.String(), logger.KeyXID, req.XID, "payload_len", len(req.Payload))
	return req, nil
}

// WriteReply writes a framed reply.
func (t *Transport) WriteReply(reply *Reply) error {
	logger.DebugSub("upcall", "reply written", logger.KeyCommand, reply.Command.String(), logger.KeyXID, reply.XID, "status", int32(reply.Status))
	return WriteReply(t.rw, reply)
}

// Close closes the underlying channel.
func (t *Transport) Close() error {
	return t.rw.Close()
}
