package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/openunix/nfsdcld/internal/clientid"
)

func TestFirstStartOnEmptyDir(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Current() != 1 || s.Recovery() != 0 {
		t.Fatalf("got (current=%d, recovery=%d), want (1, 0)", s.Current(), s.Recovery())
	}

	row := s.db.QueryRow(`SELECT value FROM parameters WHERE key = 'version'`)
	var version string
	if err := row.Scan(&version); err != nil {
		t.Fatalf("scan version: %v", err)
	}
	if version != "3" {
		t.Fatalf("version = %q, want %q", version, "3")
	}

	exists, err := s.tableExistsNoTx(context.Background(), bucketName(1))
	if err != nil || !exists {
		t.Fatalf("bucket rec-1 should exist: exists=%v err=%v", exists, err)
	}

	count, err := s.IterateRecovery(context.Background(), func(clientid.ID) error {
		t.Fatal("should not be reached: not in grace yet")
		return nil
	})
	if err == nil {
		t.Fatal("IterateRecovery outside grace should fail")
	}
	_ = count
}

func TestNormalGraceCycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	current, recovery, err := s.GraceStart(ctx)
	if err != nil {
		t.Fatalf("GraceStart: %v", err)
	}
	if current != 2 || recovery != 1 {
		t.Fatalf("got (%d,%d), want (2,1)", current, recovery)
	}

	if err := s.InsertClient(ctx, clientid.ID("alice")); err != nil {
		t.Fatalf("InsertClient: %v", err)
	}

	allowed, err := s.CheckClient(ctx, clientid.ID("alice"))
	if err != nil {
		t.Fatalf("CheckClient: %v", err)
	}
	if allowed {
		t.Fatal("alice was inserted into epoch 2, not recovery epoch 1: should be denied")
	}
}

func TestReclaimFromPriorBoot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.db.Exec(fmt.Sprintf(`INSERT INTO %q (id) VALUES (?)`, bucketName(1)), []byte("bob")); err != nil {
		t.Fatalf("pre-seed bucket: %v", err)
	}
	s.Close()

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	if s.Current() != 1 || s.Recovery() != 0 {
		t.Fatalf("got (%d,%d), want (1,0)", s.Current(), s.Recovery())
	}

	current, recovery, err := s.GraceStart(ctx)
	if err != nil {
		t.Fatalf("GraceStart: %v", err)
	}
	if current != 2 || recovery != 1 {
		t.Fatalf("got (%d,%d), want (2,1)", current, recovery)
	}

	allowed, err := s.CheckClient(ctx, clientid.ID("bob"))
	if err != nil {
		t.Fatalf("CheckClient: %v", err)
	}
	if !allowed {
		t.Fatal("bob should be allowed to reclaim")
	}

	row := s.db.QueryRow(fmt.Sprintf(`SELECT 1 FROM %q WHERE id = ?`, bucketName(2)), []byte("bob"))
	var one int
	if err := row.Scan(&one); err != nil {
		t.Fatalf("bob should now be recorded in epoch 2: %v", err)
	}

	if err := s.GraceDone(ctx); err != nil {
		t.Fatalf("GraceDone: %v", err)
	}
	if s.Current() != 2 || s.Recovery() != 0 {
		t.Fatalf("got (%d,%d), want (2,0)", s.Current(), s.Recovery())
	}

	exists, err := s.tableExistsNoTx(ctx, bucketName(1))
	if err != nil {
		t.Fatalf("tableExistsNoTx: %v", err)
	}
	if exists {
		t.Fatal("bucket rec-1 should have been dropped")
	}
}

func TestRestartInGrace(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := s.GraceStart(ctx); err != nil {
		t.Fatalf("GraceStart: %v", err)
	}
	if err := s.InsertClient(ctx, clientid.ID("carol")); err != nil {
		t.Fatalf("InsertClient: %v", err)
	}
	s.Close()

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	if s.Current() != 2 || s.Recovery() != 1 {
		t.Fatalf("got (%d,%d), want (2,1) before restart grace_start", s.Current(), s.Recovery())
	}

	current, recovery, err := s.GraceStart(ctx)
	if err != nil {
		t.Fatalf("GraceStart (restart-in-grace): %v", err)
	}
	if current != 2 || recovery != 1 {
		t.Fatalf("got (%d,%d), want unchanged (2,1)", current, recovery)
	}

	row := s.db.QueryRow(fmt.Sprintf(`SELECT count(*) FROM %q`, bucketName(2)))
	var n int
	if err := row.Scan(&n); err != nil {
		t.Fatalf("count bucket 2: %v", err)
	}
	if n != 0 {
		t.Fatalf("bucket rec-2 should be empty after restart-in-grace, got %d rows", n)
	}
}

func TestSchemaMigrationV1ToV3(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "main.sqlite")

	raw, err := sql.Open("sqlite", "file:"+dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := raw.Exec(`CREATE TABLE parameters (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		t.Fatalf("create parameters: %v", err)
	}
	if _, err := raw.Exec(`INSERT INTO parameters (key, value) VALUES ('version', '1')`); err != nil {
		t.Fatalf("seed version: %v", err)
	}
	if _, err := raw.Exec(`CREATE TABLE clients (id BLOB PRIMARY KEY)`); err != nil {
		t.Fatalf("create legacy clients: %v", err)
	}
	if _, err := raw.Exec(`INSERT INTO clients (id) VALUES (?), (?)`, []byte("x"), []byte("y")); err != nil {
		t.Fatalf("seed legacy clients: %v", err)
	}
	raw.Close()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open (migrate v1->v3): %v", err)
	}
	defer s.Close()

	if s.Current() != 1 || s.Recovery() != 0 {
		t.Fatalf("got (%d,%d), want (1,0)", s.Current(), s.Recovery())
	}

	row := s.db.QueryRow(`SELECT value FROM parameters WHERE key = 'version'`)
	var version string
	if err := row.Scan(&version); err != nil {
		t.Fatalf("scan version: %v", err)
	}
	if version != "3" {
		t.Fatalf("version = %q, want %q", version, "3")
	}

	legacyExists, err := s.tableExistsNoTx(ctx, "clients")
	if err != nil {
		t.Fatalf("tableExistsNoTx: %v", err)
	}
	if legacyExists {
		t.Fatal("legacy clients table should have been dropped")
	}

	for _, want := range []string{"x", "y"} {
		row := s.db.QueryRow(fmt.Sprintf(`SELECT 1 FROM %q WHERE id = ?`, bucketName(1)), []byte(want))
		var one int
		if err := row.Scan(&one); err != nil {
			t.Fatalf("expected %q preserved in rec-1: %v", want, err)
		}
	}
}

func TestUnsupportedSchemaRefusesToOpen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "main.sqlite")

	raw, err := sql.Open("sqlite", "file:"+dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := raw.Exec(`CREATE TABLE parameters (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		t.Fatalf("create parameters: %v", err)
	}
	if _, err := raw.Exec(`INSERT INTO parameters (key, value) VALUES ('version', '99')`); err != nil {
		t.Fatalf("seed version: %v", err)
	}
	raw.Close()

	if _, err := Open(dir); err == nil {
		t.Fatal("expected UnsupportedSchema error, got nil")
	}
}

func TestInsertClientIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 2; i++ {
		if err := s.InsertClient(ctx, clientid.ID("alice")); err != nil {
			t.Fatalf("InsertClient #%d: %v", i, err)
		}
	}

	row := s.db.QueryRow(fmt.Sprintf(`SELECT count(*) FROM %q WHERE id = ?`, bucketName(1)), []byte("alice"))
	var n int
	if err := row.Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one row for alice, got %d", n)
	}
}

func TestRemoveClientIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.RemoveClient(ctx, clientid.ID("nobody")); err != nil {
		t.Fatalf("RemoveClient on absent id should succeed: %v", err)
	}
}

func TestOpaqueLimitBoundary(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.InsertClient(ctx, make(clientid.ID, clientid.OpaqueLimit)); err != nil {
		t.Fatalf("InsertClient at OpaqueLimit should succeed: %v", err)
	}
	if err := s.InsertClient(ctx, make(clientid.ID, clientid.OpaqueLimit+1)); err == nil {
		t.Fatal("InsertClient over OpaqueLimit should fail")
	}
}

func TestInsertSurvivesRestartAndAllowsReclaim(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.InsertClient(ctx, clientid.ID("dave")); err != nil {
		t.Fatalf("InsertClient: %v", err)
	}
	s.Close()

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	if _, _, err := s.GraceStart(ctx); err != nil {
		t.Fatalf("GraceStart: %v", err)
	}
	allowed, err := s.CheckClient(ctx, clientid.ID("dave"))
	if err != nil {
		t.Fatalf("CheckClient: %v", err)
	}
	if !allowed {
		t.Fatal("dave was recorded before the restart and should be allowed to reclaim")
	}
}

// TestFailedTransactionRollsBack simulates a crash between BEGIN and
// COMMIT: a transaction that mutates the grace row and then fails must
// leave state and buckets exactly as before the attempt, even across a
// reopen.
func TestFailedTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	boom := errors.New("simulated crash before commit")
	err = s.withExclusiveTx(ctx, "test", func(tx *sql.Tx) error {
		if _, execErr := tx.ExecContext(ctx, `UPDATE grace SET current = 99, recovery = 98`); execErr != nil {
			t.Fatalf("update inside tx: %v", execErr)
		}
		if execErr := createBucket(ctx, tx, bucketName(99)); execErr != nil {
			t.Fatalf("create bucket inside tx: %v", execErr)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the injected error, got %v", err)
	}

	row := s.db.QueryRow(`SELECT current, recovery FROM grace LIMIT 1`)
	var current, recovery uint64
	if err := row.Scan(&current, &recovery); err != nil {
		t.Fatalf("scan grace: %v", err)
	}
	if current != 1 || recovery != 0 {
		t.Fatalf("got (%d,%d) after rollback, want (1,0)", current, recovery)
	}

	exists, err := s.tableExistsNoTx(ctx, bucketName(99))
	if err != nil {
		t.Fatalf("tableExistsNoTx: %v", err)
	}
	if exists {
		t.Fatal("bucket created inside the failed transaction should not exist")
	}
	s.Close()

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if s.Current() != 1 || s.Recovery() != 0 {
		t.Fatalf("got (%d,%d) after reopen, want (1,0)", s.Current(), s.Recovery())
	}
}

func TestIterateRecoveryEmptyBucket(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, _, err := s.GraceStart(ctx); err != nil {
		t.Fatalf("GraceStart: %v", err)
	}
	// recovery_epoch's bucket (epoch 1) is empty: no clients were ever
	// inserted before this first grace period.
	calls := 0
	count, err := s.IterateRecovery(ctx, func(clientid.ID) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("IterateRecovery: %v", err)
	}
	if count != 0 || calls != 0 {
		t.Fatalf("expected zero entries, got count=%d calls=%d", count, calls)
	}
}
