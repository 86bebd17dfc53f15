// Package dispatch implements the tracker's single-threaded cooperative
// event loop: one readable source (the upcall channel) per iteration,
// routed through a closed dispatch table to a handler that runs to
// completion before the next request is read.
package dispatch

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/openunix/nfsdcld/internal/clientid"
	"github.com/openunix/nfsdcld/internal/epoch"
	"github.com/openunix/nfsdcld/internal/logger"
	"github.com/openunix/nfsdcld/internal/store"
	"github.com/openunix/nfsdcld/internal/trackerr"
	"github.com/openunix/nfsdcld/internal/upcall"
)

// Procedure describes one upcall command for dispatch: a name for
// logging and a handler function value.
type Procedure struct {
	Name    string
	Handler func(ctx context.Context, d *Dispatcher, req *upcall.Request) (*upcall.Reply, error)
}

// Table maps each command this daemon answers to its procedure. Dispatch
// is exhaustive: an unknown command is a framing error, logged and
// dropped without reply.
var Table = map[upcall.Command]*Procedure{
	upcall.CmdInit:       {Name: "Init", Handler: handleInit},
	upcall.CmdCreate:     {Name: "Create", Handler: handleCreate},
	upcall.CmdRemove:     {Name: "Remove", Handler: handleRemove},
	upcall.CmdCheck:      {Name: "Check", Handler: handleCheck},
	upcall.CmdGraceStart: {Name: "GraceStart", Handler: handleGraceStart},
	upcall.CmdGraceDone:  {Name: "GraceDone", Handler: handleGraceDone},
	upcall.CmdHasSession: {Name: "HasSession", Handler: handleHasSession},
}

// Dispatcher is the single-threaded reactor. It owns the upcall
// transport, the store, and the epoch manager, and enforces reply
// ordering by running each handler to completion before reading the
// next request — no queue is required.
type Dispatcher struct {
	transport *upcall.Transport
	store     *store.Store
	epoch     *epoch.Manager

	negotiatedVersion uint32
	stopping          atomic.Bool

	// fatal is set by a handler when the daemon must fail closed (today
	// only a failed Init version negotiation). The error reply still goes
	// out to the kernel, then Run returns with this error.
	fatal error
}

// New builds a Dispatcher over an already-open transport, store, and
// epoch manager.
func New(transport *upcall.Transport, st *store.Store, em *epoch.Manager) *Dispatcher {
	return &Dispatcher{transport: transport, store: st, epoch: em}
}

// Stop requests the event loop to stop accepting new requests. Because
// ReadRequest blocks on the channel, the caller must also close the
// transport (or otherwise unblock the read) to make the loop observe the
// request promptly; Run distinguishes a close caused by Stop from an
// unexpected TransportLost.
func (d *Dispatcher) Stop() {
	d.stopping.Store(true)
}

// Run is the event loop. It reads one request at a time, dispatches it to
// completion, and writes the reply before reading the next request. It
// returns nil on a clean shutdown (Stop called) and an error on an
// unexpected transport loss.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.epoch.InGrace() {
		logger.Info("recovery epoch active at startup, driving iteration", logger.RecoveryEpoch(d.epoch.Recovery()))
		if err := d.runIteration(ctx); err != nil {
			logger.Error("startup recovery iteration failed", logger.Err(err))
		}
	}

	for {
		if d.stopping.Load() {
			return nil
		}

		req, err := d.transport.ReadRequest()
		if err != nil {
			if d.stopping.Load() {
				return nil
			}
			if errors.Is(err, io.EOF) {
				logger.Info("upcall channel closed by kernel")
				return trackerr.New(trackerr.TransportLost, "dispatch.Run", err)
			}
			// Framing errors / truncated reads: log and drop, the
			// kernel's own retry is the recovery mechanism.
			logger.Warn("dropping malformed upcall request", logger.Err(err))
			continue
		}

		d.handleOne(ctx, req)

		if d.fatal != nil {
			logger.Error("fatal upcall condition, exiting", logger.Err(d.fatal))
			return d.fatal
		}
	}
}

func (d *Dispatcher) handleOne(ctx context.Context, req *upcall.Request) {
	traceID := uuid.NewString()
	proc, ok := Table[req.Command]
	if !ok {
		logger.Warn("dropping upcall with unknown command",
			logger.KeyTraceID, traceID, "raw_command", uint32(req.Command), logger.KeyXID, req.XID)
		return
	}

	lc := logger.NewLogContext(traceID).WithCommand(proc.Name, req.XID)
	ctx = logger.WithContext(ctx, lc)

	logger.DebugSub("dispatch", "dispatching upcall", logger.KeyTraceID, traceID, logger.KeyCommand, proc.Name, logger.KeyXID, req.XID)

	reply, err := proc.Handler(ctx, d, req)
	if errors.Is(err, errAlreadyReplied) {
		return
	}
	if err != nil {
		reply = errorReply(ctx, req, err)
	}

	if writeErr := d.transport.WriteReply(reply); writeErr != nil {
		logger.ErrorCtx(ctx, "failed to write upcall reply", logger.Err(writeErr))
	}
	logger.DebugSub("dispatch", "upcall handled",
		logger.KeyTraceID, traceID, logger.KeyCommand, proc.Name, logger.KeyXID, req.XID,
		logger.KeyDurationMs, lc.DurationMs())
}

// errAlreadyReplied signals that a handler already wrote its own reply
// (GraceStart writes before driving the recovery iteration burst, so the
// kernel is not blocked behind it) and handleOne must not write again.
var errAlreadyReplied = errors.New("dispatch: reply already written")

func errorReply(ctx context.Context, req *upcall.Request, err error) *upcall.Reply {
	status := upcall.StatusIO
	var te *trackerr.Error
	if errors.As(err, &te) {
		switch te.Code {
		case trackerr.Invalid:
			status = upcall.StatusInvalid
		case trackerr.NotFound:
			status = upcall.StatusDenied
		default:
			status = upcall.StatusIO
		}
	}
	logger.ErrorCtx(ctx, "upcall handler failed", logger.Err(err))
	return &upcall.Reply{Version: req.Version, Command: req.Command, XID: req.XID, Status: status}
}

func okReply(req *upcall.Request, payload []byte) *upcall.Reply {
	return &upcall.Reply{Version: req.Version, Command: req.Command, XID: req.XID, Status: upcall.StatusOK, Payload: payload}
}

func decodeID(req *upcall.Request) (clientid.ID, error) {
	id, err := upcall.DecodeClientID(req.Payload)
	if err != nil {
		return nil, trackerr.New(trackerr.Invalid, "decodeID", err)
	}
	return id, nil
}
