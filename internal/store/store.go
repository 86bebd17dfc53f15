// Package store implements the tracker's crash-safe persistent set of
// client identities, keyed by reboot epoch, on top of an embedded SQL
// engine accessed through database/sql.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openunix/nfsdcld/internal/clientid"
	"github.com/openunix/nfsdcld/internal/logger"
	"github.com/openunix/nfsdcld/internal/trackerr"
)

// LATEST is the current on-disk schema version. open() migrates any older
// version forward to LATEST inside a single exclusive transaction and
// refuses any version it does not recognize.
const LATEST = 3

// dbFileName is preserved for format compatibility with existing deployments.
const dbFileName = "main.sqlite"

// busyTimeout bounds how long a single store operation will wait for an
// exclusive transaction held by another process before giving up.
const busyTimeout = 10 * time.Second

// Store is a handle to the on-disk client-recovery database. All exported
// methods are safe for concurrent use; multi-step operations run under an
// exclusive transaction.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	dir string

	// epochMu guards the in-memory epoch cache, updated only after a
	// commit succeeds so it always reflects durable state.
	epochMu  sync.RWMutex
	current  uint64
	recovery uint64
}

// Open opens (creating and migrating if necessary) the database rooted at
// dir, and returns a handle whose Current and Recovery report the
// (current_epoch, recovery_epoch) pair read from disk.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, trackerr.New(trackerr.Corruption, "store.Open", fmt.Errorf("create top dir: %w", err))
	}

	dbPath := filepath.Join(dir, dbFileName)
	dsn := fmt.Sprintf("file:%s?_txlock=exclusive&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", dbPath, busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, trackerr.New(trackerr.Corruption, "store.Open", fmt.Errorf("open database: %w", err))
	}
	// The embedded engine and the single-writer exclusive-transaction
	// discipline this package relies on do not benefit from a pool.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dir: dir}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := s.loadEpoch(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("store opened", logger.KeyPath, dbPath, logger.Epoch(s.Current()), logger.RecoveryEpoch(s.Recovery()))
	return s, nil
}

// Close closes the underlying database handle. No transaction should be
// open at this point; the caller is expected to have reached a quiescent
// point in the event loop first.
func (s *Store) Close() error {
	return s.db.Close()
}

// Current returns the cached current_epoch.
func (s *Store) Current() uint64 {
	s.epochMu.RLock()
	defer s.epochMu.RUnlock()
	return s.current
}

// Recovery returns the cached recovery_epoch (0 when not in grace).
func (s *Store) Recovery() uint64 {
	s.epochMu.RLock()
	defer s.epochMu.RUnlock()
	return s.recovery
}

func (s *Store) setEpoch(current, recovery uint64) {
	s.epochMu.Lock()
	defer s.epochMu.Unlock()
	s.current = current
	s.recovery = recovery
}

func (s *Store) loadEpoch() error {
	row := s.db.QueryRow(`SELECT current, recovery FROM grace LIMIT 1`)
	var current, recovery uint64
	if err := row.Scan(&current, &recovery); err != nil {
		return trackerr.New(trackerr.Corruption, "store.loadEpoch", err)
	}
	s.setEpoch(current, recovery)
	return nil
}

// withExclusiveTx runs fn inside an exclusive transaction (the connection's
// txlock mode, set in the DSN, makes BeginTx issue BEGIN EXCLUSIVE), retrying
// on a busy/locked database up to busyTimeout, then committing. On any
// failure the transaction is rolled back; a rollback failure is logged but
// never masks the root cause.
func (s *Store) withExclusiveTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := time.Now().Add(busyTimeout)
	backoff := 5 * time.Millisecond

	for {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			if isBusy(err) && time.Now().Before(deadline) {
				time.Sleep(backoff)
				backoff = minDuration(backoff*2, 200*time.Millisecond)
				continue
			}
			return trackerr.New(classify(err), op, err)
		}

		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logger.Error("rollback failed", logger.Err(rbErr))
			}
			if isBusy(err) && time.Now().Before(deadline) {
				time.Sleep(backoff)
				backoff = minDuration(backoff*2, 200*time.Millisecond)
				continue
			}
			var te *trackerr.Error
			if errors.As(err, &te) {
				return te
			}
			return trackerr.New(classify(err), op, err)
		}

		if err := tx.Commit(); err != nil {
			if isBusy(err) && time.Now().Before(deadline) {
				time.Sleep(backoff)
				backoff = minDuration(backoff*2, 200*time.Millisecond)
				continue
			}
			return trackerr.New(classify(err), op, err)
		}

		return nil
	}
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

func classify(err error) trackerr.Code {
	if isBusy(err) {
		return trackerr.Transient
	}
	return trackerr.Corruption
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// InsertClient inserts id into the rec-<current_epoch> bucket. Idempotent.
func (s *Store) InsertClient(ctx context.Context, id clientid.ID) error {
	if err := clientid.Validate(id); err != nil {
		return err
	}
	current := s.Current()
	err := s.withExclusiveTx(ctx, "insert_client", func(tx *sql.Tx) error {
		return upsertClient(tx, bucketName(current), id)
	})
	if err == nil {
		logger.DebugSub("store", "client recorded", logger.ClientID(id.Hex()), logger.KeyBucket, bucketName(current))
	}
	return err
}

// RemoveClient deletes id from the rec-<current_epoch> bucket. Succeeds
// even if the id was absent.
func (s *Store) RemoveClient(ctx context.Context, id clientid.ID) error {
	if err := clientid.Validate(id); err != nil {
		return err
	}
	current := s.Current()
	err := s.withExclusiveTx(ctx, "remove_client", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, bucketName(current)), []byte(id))
		return err
	})
	if err == nil {
		logger.DebugSub("store", "client removed", logger.ClientID(id.Hex()), logger.KeyBucket, bucketName(current))
	}
	return err
}

// CheckClient reports whether id is present in the rec-<recovery_epoch>
// bucket. If so, it is also (re-)inserted into rec-<current_epoch> as a
// single logical operation. Always false when recovery_epoch == 0.
func (s *Store) CheckClient(ctx context.Context, id clientid.ID) (bool, error) {
	if err := clientid.Validate(id); err != nil {
		return false, err
	}

	recovery := s.Recovery()
	if recovery == 0 {
		return false, nil
	}
	current := s.Current()

	var allowed bool
	err := s.withExclusiveTx(ctx, "check_client", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %q WHERE id = ?`, bucketName(recovery)), []byte(id))
		var one int
		switch err := row.Scan(&one); err {
		case nil:
			allowed = true
		case sql.ErrNoRows:
			allowed = false
			return nil
		default:
			return err
		}
		return upsertClient(tx, bucketName(current), id)
	})
	if err != nil {
		return false, err
	}
	logger.DebugSub("store", "reclaim check", logger.ClientID(id.Hex()), "allowed", allowed, logger.RecoveryEpoch(recovery))
	return allowed, nil
}

func upsertClient(tx *sql.Tx, bucket string, id clientid.ID) error {
	_, err := tx.Exec(fmt.Sprintf(`INSERT INTO %q (id) VALUES (?) ON CONFLICT(id) DO NOTHING`, bucket), []byte(id))
	return err
}

// GraceStart transitions into (or re-arms) the grace period.
//
// Case A (recovery_epoch == 0): allocates recovery_epoch = current_epoch,
// current_epoch += 1, and creates an empty bucket for the new current
// epoch.
//
// Case B (recovery_epoch != 0, i.e. the daemon restarted mid-grace): the
// epoch pair is left unchanged, but the rec-<current_epoch> bucket is
// emptied — the restart invalidated any partial reclaims recorded there.
func (s *Store) GraceStart(ctx context.Context) (current, recovery uint64, err error) {
	err = s.withExclusiveTx(ctx, "grace_start", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT current, recovery FROM grace LIMIT 1`)
		var c, r uint64
		if scanErr := row.Scan(&c, &r); scanErr != nil {
			return scanErr
		}

		if r == 0 {
			newCurrent := c + 1
			newRecovery := c
			if _, execErr := tx.ExecContext(ctx, `UPDATE grace SET current = ?, recovery = ?`, newCurrent, newRecovery); execErr != nil {
				return execErr
			}
			if execErr := createBucket(ctx, tx, bucketName(newCurrent)); execErr != nil {
				return execErr
			}
			current, recovery = newCurrent, newRecovery
			return nil
		}

		if execErr := emptyBucket(ctx, tx, bucketName(c)); execErr != nil {
			return execErr
		}
		current, recovery = c, r
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	s.setEpoch(current, recovery)
	logger.Info("grace period started", logger.Epoch(current), logger.RecoveryEpoch(recovery))
	return current, recovery, nil
}

// GraceDone ends the active grace period: recovery_epoch is set to 0 and
// the rec-<recovery_epoch> bucket is dropped.
func (s *Store) GraceDone(ctx context.Context) error {
	recovery := s.Recovery()
	current := s.Current()
	if recovery == 0 {
		return nil
	}

	err := s.withExclusiveTx(ctx, "grace_done", func(tx *sql.Tx) error {
		if _, execErr := tx.ExecContext(ctx, `UPDATE grace SET recovery = 0`); execErr != nil {
			return execErr
		}
		return dropBucket(ctx, tx, bucketName(recovery))
	})
	if err != nil {
		return err
	}
	s.setEpoch(current, 0)
	logger.Info("grace period ended", logger.Epoch(current))
	return nil
}

// IterateRecovery invokes cb once per ClientId currently in the
// rec-<recovery_epoch> bucket, in no particular order. Returns the number
// of ids visited. Fails with Invalid if recovery_epoch == 0.
func (s *Store) IterateRecovery(ctx context.Context, cb func(clientid.ID) error) (int, error) {
	recovery := s.Recovery()
	if recovery == 0 {
		return 0, trackerr.New(trackerr.Invalid, "iterate_recovery", nil)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %q`, bucketName(recovery)))
	if err != nil {
		return 0, trackerr.New(classify(err), "iterate_recovery", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return count, trackerr.New(trackerr.Corruption, "iterate_recovery", err)
		}
		if err := cb(clientid.ID(id)); err != nil {
			return count, err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, trackerr.New(trackerr.Corruption, "iterate_recovery", err)
	}
	return count, nil
}

func createBucket(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (id BLOB PRIMARY KEY)`, name))
	return err
}

func emptyBucket(ctx context.Context, tx *sql.Tx, name string) error {
	if err := createBucket(ctx, tx, name); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q`, name))
	return err
}

func dropBucket(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, name))
	return err
}

func readVersion(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}) (int, error) {
	row := q.QueryRowContext(ctx, `SELECT value FROM parameters WHERE key = 'version'`)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", raw, err)
	}
	return v, nil
}

func tableExists(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`, name)
	var one int
	switch err := row.Scan(&one); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, err
	}
}

// migrate reads parameters.version and drives it forward to LATEST inside
// a single exclusive transaction, per the state machine:
//
//	missing/unreadable -> 0: create from scratch
//	1 -> 3, 2 -> 3:          legacy "clients" bucket copied into
//	                         rec-<1>, grace/bucket created if absent,
//	                         version stamped to LATEST
//	3 -> 3:                  no-op
//	anything else:           UnsupportedSchema, refuse to open
func (s *Store) migrate() error {
	ctx := context.Background()

	parametersExist, err := s.tableExistsNoTx(ctx, "parameters")
	if err != nil {
		return trackerr.New(trackerr.Corruption, "store.migrate", err)
	}

	var version int
	if parametersExist {
		version, err = s.readVersionNoTx(ctx)
		if err != nil {
			return trackerr.New(trackerr.Corruption, "store.migrate", err)
		}
	}

	if version == LATEST {
		return nil
	}
	if version != 0 && version != 1 && version != 2 {
		return trackerr.New(trackerr.UnsupportedSchema, "store.migrate",
			fmt.Errorf("schema version %d is not supported", version))
	}

	err = s.withExclusiveTx(ctx, "store.migrate", func(tx *sql.Tx) error {
		// Re-read the version defensively: another process may have
		// raced us to initialize the database between the check above
		// and acquiring the exclusive transaction.
		exists, err := tableExists(ctx, tx, "parameters")
		if err != nil {
			return err
		}
		current := 0
		if exists {
			current, err = readVersion(ctx, tx)
			if err != nil {
				return err
			}
		}
		if current == LATEST {
			return nil
		}
		if current != 0 && current != 1 && current != 2 {
			return trackerr.New(trackerr.UnsupportedSchema, "store.migrate",
				fmt.Errorf("schema version %d is not supported", current))
		}

		if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS parameters (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
			return err
		}

		graceExists, err := tableExists(ctx, tx, "grace")
		if err != nil {
			return err
		}
		if !graceExists {
			if _, err := tx.ExecContext(ctx, `CREATE TABLE grace (current INTEGER NOT NULL, recovery INTEGER NOT NULL)`); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO grace (current, recovery) VALUES (1, 0)`); err != nil {
				return err
			}
		}

		if err := createBucket(ctx, tx, bucketName(1)); err != nil {
			return err
		}

		// Legacy pre-epoch schemas (v1, v2) kept every known client in a
		// single "clients" bucket. Fold it into epoch 1 and drop it.
		legacyExists, err := tableExists(ctx, tx, "clients")
		if err != nil {
			return err
		}
		if legacyExists {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`INSERT INTO %q (id) SELECT id FROM clients WHERE true ON CONFLICT(id) DO NOTHING`, bucketName(1))); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DROP TABLE clients`); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO parameters (key, value) VALUES ('version', ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			strconv.Itoa(LATEST))
		return err
	})
	if err == nil {
		logger.Info("schema up to date", logger.KeySchemaVersion, LATEST, "was", version)
	}
	return err
}

func (s *Store) tableExistsNoTx(ctx context.Context, name string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`, name)
	var one int
	switch err := row.Scan(&one); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, err
	}
}

func (s *Store) readVersionNoTx(ctx context.Context) (int, error) {
	return readVersion(ctx, s.db)
}
