package epoch

import (
	"context"
	"errors"
	"testing"
)

type fakeStore struct {
	current, recovery uint64
	graceStartErr     error
	graceDoneErr      error
	graceStartCalls   int
	graceDoneCalls    int
}

func (f *fakeStore) Current() uint64  { return f.current }
func (f *fakeStore) Recovery() uint64 { return f.recovery }

func (f *fakeStore) GraceStart(ctx context.Context) (uint64, uint64, error) {
	f.graceStartCalls++
	if f.graceStartErr != nil {
		return 0, 0, f.graceStartErr
	}
	f.current++
	f.recovery = f.current - 1
	return f.current, f.recovery, nil
}

func (f *fakeStore) GraceDone(ctx context.Context) error {
	f.graceDoneCalls++
	if f.graceDoneErr != nil {
		return f.graceDoneErr
	}
	f.recovery = 0
	return nil
}

func TestNewSeedsFromStore(t *testing.T) {
	fs := &fakeStore{current: 5, recovery: 4}
	m := New(fs)
	if m.Current() != 5 || m.Recovery() != 4 {
		t.Fatalf("got (%d,%d), want (5,4)", m.Current(), m.Recovery())
	}
	if !m.InGrace() {
		t.Fatal("expected InGrace true when recovery != 0")
	}
}

func TestGraceStartUpdatesCacheOnSuccess(t *testing.T) {
	fs := &fakeStore{current: 1, recovery: 0}
	m := New(fs)

	current, recovery, err := m.GraceStart(context.Background())
	if err != nil {
		t.Fatalf("GraceStart: %v", err)
	}
	if current != 2 || recovery != 1 {
		t.Fatalf("got (%d,%d), want (2,1)", current, recovery)
	}
	if m.Current() != 2 || m.Recovery() != 1 {
		t.Fatalf("cache not updated: got (%d,%d)", m.Current(), m.Recovery())
	}
	if !m.InGrace() {
		t.Fatal("expected InGrace true")
	}
}

func TestGraceStartLeavesCacheUntouchedOnFailure(t *testing.T) {
	wantErr := errors.New("store failure")
	fs := &fakeStore{current: 1, recovery: 0, graceStartErr: wantErr}
	m := New(fs)

	_, _, err := m.GraceStart(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("got err %v, want %v", err, wantErr)
	}
	if m.Current() != 1 || m.Recovery() != 0 {
		t.Fatalf("cache should be unchanged on failure, got (%d,%d)", m.Current(), m.Recovery())
	}
}

func TestGraceDoneClearsRecoveryOnSuccess(t *testing.T) {
	fs := &fakeStore{current: 2, recovery: 1}
	m := New(fs)

	if err := m.GraceDone(context.Background()); err != nil {
		t.Fatalf("GraceDone: %v", err)
	}
	if m.Recovery() != 0 {
		t.Fatalf("recovery = %d, want 0", m.Recovery())
	}
	if m.InGrace() {
		t.Fatal("expected InGrace false after GraceDone")
	}
}

func TestGraceDoneLeavesCacheUntouchedOnFailure(t *testing.T) {
	wantErr := errors.New("store failure")
	fs := &fakeStore{current: 2, recovery: 1, graceDoneErr: wantErr}
	m := New(fs)

	err := m.GraceDone(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("got err %v, want %v", err, wantErr)
	}
	if m.Recovery() != 1 {
		t.Fatalf("recovery should be unchanged on failure, got %d", m.Recovery())
	}
}
