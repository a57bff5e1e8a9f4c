package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeArchive запоминает границы проходов.
type fakeArchive struct {
	mu          sync.Mutex
	markCutoffs []time.Time
	moveCutoffs []time.Time
	markErr     error
}

func (f *fakeArchive) MarkTimedOutDeleted(_ context.Context, cutoff time.Time) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markCutoffs = append(f.markCutoffs, cutoff)
	if f.markErr != nil {
		return 0, 0, f.markErr
	}
	return 2, 1, nil
}

func (f *fakeArchive) MoveToArchive(_ context.Context, cutoff time.Time) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moveCutoffs = append(f.moveCutoffs, cutoff)
	return 3, 0, nil
}

func (f *fakeArchive) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.markCutoffs)
}

func TestSweepNow(t *testing.T) {
	archive := &fakeArchive{}
	sweeper := NewArchiveSweeper(archive, 10*24*time.Hour, 30*24*time.Hour, time.Hour, testLogger())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sweeper.now = func() time.Time { return now }

	result, err := sweeper.SweepNow(context.Background())
	if err != nil {
		t.Fatalf("SweepNow() ошибка: %v", err)
	}
	if result.MarkedRequests != 2 || result.MarkedChangeRequests != 1 || result.ArchivedRequests != 3 {
		t.Errorf("результат = %+v", result)
	}
	if want := now.Add(-10 * 24 * time.Hour); !archive.markCutoffs[0].Equal(want) {
		t.Errorf("граница пометки = %v, ожидалась %v", archive.markCutoffs[0], want)
	}
	if want := now.Add(-30 * 24 * time.Hour); !archive.moveCutoffs[0].Equal(want) {
		t.Errorf("граница архивации = %v, ожидалась %v", archive.moveCutoffs[0], want)
	}
}

func TestSweepNow_MarkError(t *testing.T) {
	archive := &fakeArchive{markErr: errors.New("db down")}
	sweeper := NewArchiveSweeper(archive, time.Hour, 2*time.Hour, time.Hour, testLogger())

	if _, err := sweeper.SweepNow(context.Background()); err == nil {
		t.Fatal("ожидалась ошибка")
	}
	if len(archive.moveCutoffs) != 0 {
		t.Error("архивация не должна выполняться после ошибки пометки")
	}
}

func TestArchiveSweeper_StartStop(t *testing.T) {
	archive := &fakeArchive{}
	sweeper := NewArchiveSweeper(archive, time.Hour, 2*time.Hour, 10*time.Millisecond, testLogger())

	sweeper.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for archive.calls() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sweeper.Stop()

	if archive.calls() < 2 {
		t.Errorf("ожидалось минимум 2 прогона, получено %d", archive.calls())
	}
	stopped := archive.calls()
	time.Sleep(30 * time.Millisecond)
	if archive.calls() != stopped {
		t.Error("архиватор продолжает работу после Stop")
	}
}
