package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"cpapsync/internal/analysis"
	"cpapsync/internal/db"
)

var base = time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)

func newSQLiteBackend(t *testing.T) Backend {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "cpap.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "Failed to open test database")
	require.NoError(t, db.Migrate(gdb), "Failed to migrate schema")

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return NewGormBackend(gdb)
}

// forEachBackend runs fn against a fresh store for every backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, s *Store)) {
	t.Helper()
	backends := map[string]func(t *testing.T) Backend{
		"memory": func(*testing.T) Backend { return NewMemoryBackend() },
		"gorm":   newSQLiteBackend,
	}
	for name, mk := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, New(mk(t)))
		})
	}
}

func sample(mrn int64, room int, offset time.Duration) Sample {
	return Sample{
		MRN:           mrn,
		Name:          "Ada Lovelace",
		RoomNumber:    room,
		Timestamp:     base.Add(offset),
		PressureCmH2O: 10.5,
		BreathingRate: 14.2,
		RateAvailable: true,
		ApneaCount:    2,
		LeakEstimate:  0.35,
		Waveform: []analysis.Point{
			{T: 0, Flow: 0}, {T: 0.5, Flow: 0.0004}, {T: 1, Flow: -0.0002},
		},
	}
}

func assertSameSample(t *testing.T, want, got Sample) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.MRN, got.MRN)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.RoomNumber, got.RoomNumber)
	assert.True(t, want.Timestamp.Equal(got.Timestamp), "timestamp %s != %s", want.Timestamp, got.Timestamp)
	assert.Equal(t, want.PressureCmH2O, got.PressureCmH2O)
	assert.Equal(t, want.BreathingRate, got.BreathingRate)
	assert.Equal(t, want.RateAvailable, got.RateAvailable)
	assert.Equal(t, want.ApneaCount, got.ApneaCount)
	assert.Equal(t, want.LeakEstimate, got.LeakEstimate)
	assert.Equal(t, want.Waveform, got.Waveform)
}

func TestStore_AppendThenCurrent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		in := sample(1001, 5, 0)

		committed, err := s.AppendSample(ctx, in)
		require.NoError(t, err)
		assert.NotZero(t, committed.ID, "ID should be assigned on commit")

		cur, err := s.Current(ctx, 5)
		require.NoError(t, err)
		assertSameSample(t, committed, cur)
		assert.Equal(t, in.Waveform, cur.Waveform)
	})
}

func TestStore_TimestampPrecision(t *testing.T) {
	ctx := context.Background()
	in := sample(1001, 5, 0)
	in.Timestamp = time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.FixedZone("CET", 3600))

	t.Run("memory", func(t *testing.T) {
		s := New(NewMemoryBackend())
		committed, err := s.AppendSample(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, in.Timestamp, committed.Timestamp)

		cur, err := s.Current(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, in.Timestamp, cur.Timestamp, "memory keeps the submitted timestamp as is")
	})

	t.Run("gorm", func(t *testing.T) {
		s := New(newSQLiteBackend(t))
		committed, err := s.AppendSample(ctx, in)
		require.NoError(t, err)
		want := in.Timestamp.UTC().Truncate(time.Microsecond)
		assert.Equal(t, want, committed.Timestamp)

		cur, err := s.Current(ctx, 5)
		require.NoError(t, err)
		assert.True(t, want.Equal(cur.Timestamp), "timestamp %s != %s", want, cur.Timestamp)
		assert.Equal(t, time.UTC, cur.Timestamp.Location())
	})
}

func TestStore_VacantRoom(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()

		_, err := s.Current(ctx, 5)
		assert.ErrorIs(t, err, ErrRoomNotFound)

		_, err = s.UpdatePressure(ctx, 5, 8.5, base)
		assert.ErrorIs(t, err, ErrRoomNotFound)

		assert.ErrorIs(t, s.Vacate(ctx, 5), ErrRoomNotFound)

		hist, err := s.History(ctx, 1001, TimeRange{})
		require.NoError(t, err)
		assert.Empty(t, hist)
	})
}

func TestStore_LatestSampleWins(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()

		_, err := s.AppendSample(ctx, sample(1001, 5, 0))
		require.NoError(t, err)
		second := sample(2002, 5, time.Minute)
		second.Name = "Grace Hopper"
		second, err = s.AppendSample(ctx, second)
		require.NoError(t, err)

		cur, err := s.Current(ctx, 5)
		require.NoError(t, err)
		assertSameSample(t, second, cur)

		for _, mrn := range []int64{1001, 2002} {
			hist, err := s.History(ctx, mrn, TimeRange{})
			require.NoError(t, err)
			assert.Len(t, hist, 1, "mrn %d", mrn)
		}

		byMRN, err := s.CurrentByMRN(ctx, 2002)
		require.NoError(t, err)
		assert.Equal(t, 5, byMRN.RoomNumber)
		_, err = s.CurrentByMRN(ctx, 1001)
		assert.ErrorIs(t, err, ErrRoomNotFound, "patient no longer holds a room")
	})
}

func TestStore_HistoryOrderAndRange(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()

		var ids []uint64
		for i, room := range []int{3, 4, 3} {
			c, err := s.AppendSample(ctx, sample(7, room, time.Duration(i)*time.Hour))
			require.NoError(t, err)
			ids = append(ids, c.ID)
		}
		_, err := s.AppendSample(ctx, sample(8, 9, 0))
		require.NoError(t, err)

		first, err := s.History(ctx, 7, TimeRange{})
		require.NoError(t, err)
		second, err := s.History(ctx, 7, TimeRange{})
		require.NoError(t, err)
		assert.Equal(t, first, second, "reads are idempotent")

		require.Len(t, first, 3)
		for i, smp := range first {
			assert.Equal(t, ids[i], smp.ID, "oldest first")
		}

		ranged, err := s.History(ctx, 7, TimeRange{From: base.Add(30 * time.Minute), To: base.Add(time.Hour)})
		require.NoError(t, err)
		require.Len(t, ranged, 1)
		assert.Equal(t, ids[1], ranged[0].ID)

		open, err := s.History(ctx, 7, TimeRange{From: base.Add(time.Hour)})
		require.NoError(t, err)
		assert.Len(t, open, 2)
	})
}

func TestStore_UpdatePressureAppendsSample(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		orig, err := s.AppendSample(ctx, sample(1001, 5, 0))
		require.NoError(t, err)

		at := base.Add(5 * time.Minute)
		updated, err := s.UpdatePressure(ctx, 5, 8.5, at)
		require.NoError(t, err)

		assert.NotEqual(t, orig.ID, updated.ID)
		assert.Equal(t, 8.5, updated.PressureCmH2O)
		assert.True(t, at.Equal(updated.Timestamp))
		assert.Equal(t, orig.BreathingRate, updated.BreathingRate)
		assert.Equal(t, orig.ApneaCount, updated.ApneaCount)
		assert.Equal(t, orig.Waveform, updated.Waveform)

		cur, err := s.Current(ctx, 5)
		require.NoError(t, err)
		assertSameSample(t, updated, cur)

		hist, err := s.History(ctx, 1001, TimeRange{})
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, 10.5, hist[0].PressureCmH2O, "earlier entry is untouched")
		assert.Equal(t, 8.5, hist[1].PressureCmH2O)
	})
}

func TestStore_VacateKeepsHistory(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		for _, room := range []int{12, 3, 7} {
			_, err := s.AppendSample(ctx, sample(int64(room), room, 0))
			require.NoError(t, err)
		}

		rooms, err := s.Rooms(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{3, 7, 12}, rooms)

		require.NoError(t, s.Vacate(ctx, 7))

		_, err = s.Current(ctx, 7)
		assert.ErrorIs(t, err, ErrRoomNotFound)
		rooms, err = s.Rooms(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{3, 12}, rooms)

		hist, err := s.History(ctx, 7, TimeRange{})
		require.NoError(t, err)
		assert.Len(t, hist, 1)

		// Reoccupying the room starts a fresh current record.
		_, err = s.AppendSample(ctx, sample(99, 7, time.Hour))
		require.NoError(t, err)
		cur, err := s.Current(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, int64(99), cur.MRN)
	})
}

func TestStore_Entry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		c, err := s.AppendSample(ctx, sample(42, 1, 0))
		require.NoError(t, err)

		got, err := s.Entry(ctx, 42, c.ID)
		require.NoError(t, err)
		assertSameSample(t, c, got)

		_, err = s.Entry(ctx, 43, c.ID)
		assert.ErrorIs(t, err, ErrSampleNotFound)
		_, err = s.Entry(ctx, 42, c.ID+100)
		assert.ErrorIs(t, err, ErrSampleNotFound)
	})
}

func TestStore_ReturnedSamplesAreCopies(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		in := sample(1, 1, 0)
		_, err := s.AppendSample(ctx, in)
		require.NoError(t, err)
		in.Waveform[1].Flow = 99

		cur, err := s.Current(ctx, 1)
		require.NoError(t, err)
		cur.Waveform[0].Flow = 42

		again, err := s.Current(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, sample(1, 1, 0).Waveform, again.Waveform)
	})
}

func TestStore_CommitHookSeesCommitOrder(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []uint64
	)
	s := New(NewMemoryBackend(), WithCommitHook(func(_ context.Context, smp Sample) {
		mu.Lock()
		seen = append(seen, smp.ID)
		mu.Unlock()
	}))
	ctx := context.Background()

	a, err := s.AppendSample(ctx, sample(1, 1, 0))
	require.NoError(t, err)
	b, err := s.UpdatePressure(ctx, 1, 6, base)
	require.NoError(t, err)
	_, err = s.UpdatePressure(ctx, 2, 6, base)
	require.ErrorIs(t, err, ErrRoomNotFound)

	assert.Equal(t, []uint64{a.ID, b.ID}, seen)
}

func TestStore_VacateHookRunsUnderRoomLock(t *testing.T) {
	ctx := context.Background()
	var (
		vacated  []int
		appended = make(chan error, 1)
		blocked  bool
	)
	var s *Store
	s = New(NewMemoryBackend(), WithVacateHook(func(_ context.Context, room int) {
		vacated = append(vacated, room)
		go func() {
			_, err := s.AppendSample(ctx, sample(2, room, time.Minute))
			appended <- err
		}()
		select {
		case <-appended:
		case <-time.After(50 * time.Millisecond):
			blocked = true
		}
	}))

	assert.ErrorIs(t, s.Vacate(ctx, 4), ErrRoomNotFound)
	assert.Empty(t, vacated, "hook must not run for a vacant room")

	_, err := s.AppendSample(ctx, sample(1, 4, 0))
	require.NoError(t, err)
	require.NoError(t, s.Vacate(ctx, 4))
	assert.Equal(t, []int{4}, vacated)
	assert.True(t, blocked, "append to the vacated room must wait for the hook")

	require.NoError(t, <-appended)
	cur, err := s.Current(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur.MRN)
}

func TestStore_ConcurrentSameRoom(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		const n = 40

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				smp := sample(500, 8, time.Duration(i)*time.Second)
				smp.PressureCmH2O = 4 + float64(i)/10
				_, err := s.AppendSample(ctx, smp)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		hist, err := s.History(ctx, 500, TimeRange{})
		require.NoError(t, err)
		require.Len(t, hist, n)

		cur, err := s.Current(ctx, 8)
		require.NoError(t, err)
		assertSameSample(t, hist[n-1], cur)
		assert.Zero(t, s.locks.len(), "room locks are released")
	})
}

func TestStore_ConcurrentDistinctRooms(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		const n = 25

		var wg sync.WaitGroup
		for room := 1; room <= n; room++ {
			wg.Add(1)
			go func(room int) {
				defer wg.Done()
				_, err := s.AppendSample(ctx, sample(int64(room), room, 0))
				assert.NoError(t, err)
			}(room)
		}
		wg.Wait()

		rooms, err := s.Rooms(ctx)
		require.NoError(t, err)
		assert.Len(t, rooms, n)
	})
}

func TestStore_LockedRoomDoesNotBlockOthers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		_, err := s.AppendSample(ctx, sample(1, 1, 0))
		require.NoError(t, err)

		unlock := s.locks.lock(1)
		defer unlock()

		done := make(chan error, 2)
		go func() {
			_, err := s.AppendSample(ctx, sample(2, 2, 0))
			done <- err
		}()
		go func() {
			_, err := s.Current(ctx, 1)
			done <- err
		}()

		for i := 0; i < 2; i++ {
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("operation blocked on an unrelated room lock")
			}
		}
	})
}

func TestMemoryBackend_AtomicVisibility(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := New(NewMemoryBackend())
	ctx := context.Background()
	_, err := s.AppendSample(ctx, sample(9, 3, 0))
	require.NoError(t, err)

	writerDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(writerDone)
		for i := 1; i <= 3000; i++ {
			_, err := s.AppendSample(ctx, sample(9, 3, time.Duration(i)*time.Millisecond))
			assert.NoError(t, err)
		}
	}()

	for running := true; running; {
		select {
		case <-writerDone:
			running = false
		default:
		}

		// Current first: its history entry must already be visible.
		cur, err := s.Current(ctx, 3)
		require.NoError(t, err)
		hist, err := s.History(ctx, 9, TimeRange{})
		require.NoError(t, err)
		found := false
		for _, h := range hist {
			if h.ID == cur.ID {
				found = true
				break
			}
		}
		require.True(t, found, "current sample %d missing from history", cur.ID)

		// History first: nothing in it may be newer than the current record.
		hist, err = s.History(ctx, 9, TimeRange{})
		require.NoError(t, err)
		cur, err = s.Current(ctx, 3)
		require.NoError(t, err)
		require.LessOrEqual(t, hist[len(hist)-1].ID, cur.ID)
	}

	wg.Wait()
}
