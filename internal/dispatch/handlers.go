package dispatch

import (
	"context"
	"encoding/binary"

	"github.com/openunix/nfsdcld/internal/logger"
	"github.com/openunix/nfsdcld/internal/trackerr"
	"github.com/openunix/nfsdcld/internal/upcall"
)

func handleInit(ctx context.Context, d *Dispatcher, req *upcall.Request) (*upcall.Reply, error) {
	negotiated, err := upcall.NegotiateVersion(req.Version)
	if err != nil {
		// No implementable version: reply with the error, then fail
		// closed — Run observes d.fatal and exits.
		d.fatal = trackerr.New(trackerr.Invalid, "Init", err)
		return nil, d.fatal
	}
	d.negotiatedVersion = negotiated

	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, negotiated)
	logger.Info("upcall version negotiated", logger.KeyVersion, negotiated)
	return &upcall.Reply{Version: negotiated, Command: req.Command, XID: req.XID, Status: upcall.StatusOK, Payload: payload}, nil
}

func handleCreate(ctx context.Context, d *Dispatcher, req *upcall.Request) (*upcall.Reply, error) {
	id, err := decodeID(req)
	if err != nil {
		return nil, err
	}
	if err := d.store.InsertClient(ctx, id); err != nil {
		return nil, err
	}
	return okReply(req, nil), nil
}

func handleRemove(ctx context.Context, d *Dispatcher, req *upcall.Request) (*upcall.Reply, error) {
	id, err := decodeID(req)
	if err != nil {
		return nil, err
	}
	if err := d.store.RemoveClient(ctx, id); err != nil {
		return nil, err
	}
	return okReply(req, nil), nil
}

func handleCheck(ctx context.Context, d *Dispatcher, req *upcall.Request) (*upcall.Reply, error) {
	id, err := decodeID(req)
	if err != nil {
		return nil, err
	}
	allowed, err := d.store.CheckClient(ctx, id)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return &upcall.Reply{Version: req.Version, Command: req.Command, XID: req.XID, Status: upcall.StatusDenied}, nil
	}
	return okReply(req, nil), nil
}

func handleGraceStart(ctx context.Context, d *Dispatcher, req *upcall.Request) (*upcall.Reply, error) {
	current, recovery, err := d.epoch.GraceStart(ctx)
	if err != nil {
		return nil, err
	}

	reply := okReply(req, nil)
	// Writing the reply first means the kernel is unblocked before the
	// (potentially large) recovery iteration burst starts.
	if writeErr := d.transport.WriteReply(reply); writeErr != nil {
		return nil, trackerr.New(trackerr.Transient, "GraceStart.reply", writeErr)
	}

	logger.InfoCtx(ctx, "grace started, driving recovery iteration", logger.Epoch(current), logger.RecoveryEpoch(recovery))
	if err := d.runIteration(ctx); err != nil {
		logger.Error("recovery iteration failed", logger.Err(err))
	}

	// Reply already written above; signal the caller not to write again.
	return nil, errAlreadyReplied
}

func handleGraceDone(ctx context.Context, d *Dispatcher, req *upcall.Request) (*upcall.Reply, error) {
	if err := d.epoch.GraceDone(ctx); err != nil {
		return nil, err
	}
	return okReply(req, nil), nil
}

func handleHasSession(ctx context.Context, d *Dispatcher, req *upcall.Request) (*upcall.Reply, error) {
	// A pure query: the store having been opened successfully is itself
	// the answer. The daemon tracks client identities, not individual
	// NFSv4 sessions, so there is no session table to consult.
	payload := []byte{1}
	return okReply(req, payload), nil
}
