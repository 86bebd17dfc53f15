package logger

import (
	"log/slog"
)

// Standard field keys for structured logging, scoped to the upcall/store/
// epoch domain of this daemon.
const (
	KeyTraceID = "trace_id" // correlation id for one dispatch-loop iteration

	KeyCommand = "command" // upcall command name (Create, Remove, Check, ...)
	KeyXID     = "xid"     // upcall transaction id, echoed on reply
	KeyVersion = "version" // negotiated upcall protocol version

	KeyEpoch         = "epoch"          // current_epoch value
	KeyRecoveryEpoch = "recovery_epoch" // recovery_epoch value (0 = no grace)
	KeyBucket        = "bucket"         // rec-<16-hex> bucket name

	KeyClientID = "client_id" // hex-encoded opaque client identity

	KeySchemaVersion = "schema_version" // parameters.version on disk

	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrorCode  = "error_code"
	KeyPath       = "path" // top dir / db file path
)

// ClientID returns a slog.Attr for a hex-encoded opaque client identity.
func ClientID(hex string) slog.Attr {
	return slog.String(KeyClientID, hex)
}

// Epoch returns a slog.Attr for the current epoch.
func Epoch(e uint64) slog.Attr {
	return slog.Uint64(KeyEpoch, e)
}

// RecoveryEpoch returns a slog.Attr for the recovery epoch.
func RecoveryEpoch(e uint64) slog.Attr {
	return slog.Uint64(KeyRecoveryEpoch, e)
}

// Err returns a slog.Attr for an error, or the zero Attr if err is nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
