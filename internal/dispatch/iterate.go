package dispatch

import (
	"context"

	"github.com/openunix/nfsdcld/internal/clientid"
	"github.com/openunix/nfsdcld/internal/logger"
	"github.com/openunix/nfsdcld/internal/upcall"
)

// runIteration walks the recovery_epoch bucket and sends one unsolicited
// RecoveryEntry message per client id, followed by a RecoveryDone
// terminator. Normal request handling is suspended for the duration —
// the caller invokes this synchronously from the single-threaded loop,
// so no other request can be read until it returns.
func (d *Dispatcher) runIteration(ctx context.Context) error {
	count, err := d.store.IterateRecovery(ctx, func(id clientid.ID) error {
		return d.transport.WriteReply(&upcall.Reply{
			Version: d.negotiatedVersion,
			Command: upcall.CmdRecoveryEntry,
			Payload: upcall.EncodeClientID(id),
		})
	})

	if writeErr := d.transport.WriteReply(&upcall.Reply{
		Version: d.negotiatedVersion,
		Command: upcall.CmdRecoveryDone,
	}); writeErr != nil && err == nil {
		err = writeErr
	}

	logger.Info("recovery iteration complete", "entries", count, logger.Err(err))
	return err
}
