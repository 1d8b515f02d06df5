package protocol

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"cpapsync/internal/analysis"
	"cpapsync/internal/store"
)

// waveform samples every 0.1 s over [0, end] with a unit spike at each of
// the given whole-second peak times.
func waveform(end int, peaks ...int) []analysis.Point {
	n := end*10 + 1
	pts := make([]analysis.Point, n)
	for i := range pts {
		pts[i].T = float64(i) / 10
	}
	for _, p := range peaks {
		i := p * 10
		pts[i].Flow = 1
		if i > 0 {
			pts[i-1].Flow = 0.5
		}
		if i+1 < n {
			pts[i+1].Flow = 0.5
		}
	}
	return pts
}

func newTestService(t *testing.T) (*Service, *observer.ObservedLogs) {
	t.Helper()
	a, err := analysis.NewAnalyzer(analysis.Config{
		Window:             1,
		MinProminence:      0.2,
		RefractoryInterval: 500 * time.Millisecond,
		ApneaGap:           10 * time.Second,
	})
	require.NoError(t, err)

	core, logs := observer.New(zap.DebugLevel)
	svc := NewService(a, store.New(store.NewMemoryBackend()), PressureLimits{Min: 4, Max: 25}, zap.New(core))

	clock := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return svc, logs
}

func alice(room int) Identity {
	return Identity{MRN: 1001, Name: "Alice O'Neil", RoomNumber: room}
}

func TestSubmit_ReturnsMetricsAndUpdatesRoom(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, alice(12), waveform(10, 1, 3, 5, 7, 9), 10)
	require.NoError(t, err)
	assert.NotZero(t, res.SampleID)
	assert.Equal(t, 12, res.RoomNumber)
	assert.Equal(t, 5, res.Metrics.Breaths)
	assert.True(t, res.Metrics.RateAvailable)
	assert.InDelta(t, 30, res.Metrics.BreathingRate, 1e-9)
	assert.Zero(t, res.Metrics.ApneaCount)

	cur, err := svc.FetchCurrent(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, res.SampleID, cur.ID)
	assert.Equal(t, int64(1001), cur.MRN)
	assert.Equal(t, 10.0, cur.PressureCmH2O)
	require.NotNil(t, cur.BreathingRate)
	assert.InDelta(t, 30, *cur.BreathingRate, 1e-9)
	assert.Len(t, cur.Waveform, 101)
}

func TestSubmit_ApneaAcrossGap(t *testing.T) {
	svc, _ := newTestService(t)

	res, err := svc.Submit(context.Background(), alice(3), waveform(19, 1, 3, 16, 18), 8)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Metrics.ApneaCount)
	assert.InDelta(t, 60.0*3/17, res.Metrics.BreathingRate, 1e-9)
}

func TestSubmit_TrimsName(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	id := alice(4)
	id.Name = "  Alice O'Neil  "
	_, err := svc.Submit(ctx, id, waveform(4, 1, 3), 8)
	require.NoError(t, err)

	cur, err := svc.FetchCurrent(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "Alice O'Neil", cur.Name)
}

func TestSubmit_RateUnavailableIsNull(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, alice(5), waveform(4, 2), 8)
	require.NoError(t, err)
	assert.False(t, res.Metrics.RateAvailable)

	cur, err := svc.FetchCurrent(ctx, 5)
	require.NoError(t, err)
	assert.Nil(t, cur.BreathingRate)
}

func TestSubmit_Rejections(t *testing.T) {
	good := waveform(4, 1, 3)
	tests := []struct {
		name     string
		id       Identity
		points   []analysis.Point
		pressure float64
		kind     Kind
	}{
		{"empty waveform", alice(1), nil, 8, KindInvalidSample},
		{"single point", alice(1), good[:1], 8, KindInvalidSample},
		{"nan flow", alice(1), []analysis.Point{{T: 0, Flow: 0}, {T: 0.1, Flow: math.NaN()}}, 8, KindInvalidSample},
		{"time goes backwards", alice(1), []analysis.Point{{T: 1}, {T: 0.5}}, 8, KindInvalidSample},
		{"empty name", Identity{MRN: 1, Name: "   ", RoomNumber: 1}, good, 8, KindInvalidRequest},
		{"digits in name", Identity{MRN: 1, Name: "R2D2", RoomNumber: 1}, good, 8, KindInvalidRequest},
		{"negative mrn", Identity{MRN: -1, Name: "Bob", RoomNumber: 1}, good, 8, KindInvalidRequest},
		{"negative room", Identity{MRN: 1, Name: "Bob", RoomNumber: -3}, good, 8, KindInvalidRequest},
		{"pressure too low", alice(1), good, 3.9, KindInvalidRequest},
		{"pressure too high", alice(1), good, 25.5, KindInvalidRequest},
		{"pressure nan", alice(1), good, math.NaN(), KindInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t)
			_, err := svc.Submit(context.Background(), tt.id, tt.points, tt.pressure)
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))

			rooms, err := svc.Rooms(context.Background())
			require.NoError(t, err)
			assert.Empty(t, rooms, "rejected submit must not change state")
		})
	}
}

func TestSubmit_NegativeLeakIsLogged(t *testing.T) {
	svc, logs := newTestService(t)

	// Each spike carries 0.2 m^3; a 0.2 m^3/s drain over 4 s outweighs both.
	pts := waveform(4, 1, 3)
	for i := range pts {
		pts[i].Flow -= 0.2
	}
	res, err := svc.Submit(context.Background(), alice(2), pts, 8)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Metrics.Breaths)
	assert.InDelta(t, -400, res.Metrics.LeakEstimate, 1e-6)

	warned := logs.FilterMessage("negative leakage detected").All()
	require.Len(t, warned, 1)
	assert.Equal(t, zap.WarnLevel, warned[0].Level)
	assert.Equal(t, int64(2), warned[0].ContextMap()["room"])

	_, err = svc.Submit(context.Background(), alice(2), waveform(4, 1, 3), 8)
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("negative leakage detected").Len(), "balanced flow must not warn")
}

func TestSetPressure(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SetPressure(ctx, 5, 8.5)
	assert.ErrorIs(t, err, store.ErrRoomNotFound)
	assert.Equal(t, KindRoomNotFound, KindOf(err))

	first, err := svc.Submit(ctx, alice(5), waveform(4, 1, 3), 8)
	require.NoError(t, err)

	updated, err := svc.SetPressure(ctx, 5, 8.5)
	require.NoError(t, err)
	assert.Greater(t, updated.ID, first.SampleID)
	assert.Equal(t, 8.5, updated.PressureCmH2O)
	assert.Nil(t, updated.Waveform)

	cur, err := svc.FetchCurrent(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 8.5, cur.PressureCmH2O)
	assert.Equal(t, first.Metrics.ApneaCount, cur.ApneaCount)
	assert.NotEmpty(t, cur.Waveform)

	_, err = svc.SetPressure(ctx, 5, 40)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestFetchHistory(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var ids []uint64
	for _, room := range []int{1, 2, 1} {
		res, err := svc.Submit(ctx, alice(room), waveform(4, 1, 3), 8)
		require.NoError(t, err)
		ids = append(ids, res.SampleID)
	}
	_, err := svc.Submit(ctx, Identity{MRN: 2002, Name: "Bob", RoomNumber: 9}, waveform(4, 1, 3), 8)
	require.NoError(t, err)

	hist, err := svc.FetchHistory(ctx, 1001, store.TimeRange{})
	require.NoError(t, err)
	require.Len(t, hist, 3)
	for i, v := range hist {
		assert.Equal(t, ids[i], v.ID)
		assert.Nil(t, v.Waveform)
	}

	entry, err := svc.FetchEntry(ctx, 1001, ids[1])
	require.NoError(t, err)
	assert.Equal(t, 2, entry.RoomNumber)
	assert.NotEmpty(t, entry.Waveform)

	_, err = svc.FetchEntry(ctx, 2002, ids[1])
	assert.Equal(t, KindSampleNotFound, KindOf(err))

	from := hist[1].Timestamp
	bounded, err := svc.FetchHistory(ctx, 1001, store.TimeRange{From: from})
	require.NoError(t, err)
	assert.Len(t, bounded, 2)

	_, err = svc.FetchHistory(ctx, 1001, store.TimeRange{From: from, To: from.Add(-time.Second)})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCheckAssignment(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.CheckAssignment(ctx, 1001, 7)
	require.NoError(t, err)
	assert.False(t, a.MRNAssigned)
	assert.False(t, a.RoomOccupied)

	_, err = svc.Submit(ctx, alice(7), waveform(4, 1, 3), 8)
	require.NoError(t, err)

	a, err = svc.CheckAssignment(ctx, 1001, 8)
	require.NoError(t, err)
	assert.True(t, a.MRNAssigned)
	require.NotNil(t, a.RoomOfMRN)
	assert.Equal(t, 7, *a.RoomOfMRN)
	assert.False(t, a.RoomOccupied)

	a, err = svc.CheckAssignment(ctx, 2002, 7)
	require.NoError(t, err)
	assert.False(t, a.MRNAssigned)
	assert.True(t, a.RoomOccupied)
	require.NotNil(t, a.OccupiedBy)
	assert.Equal(t, int64(1001), *a.OccupiedBy)
}

func TestVacate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Vacate(ctx, 3), store.ErrRoomNotFound)

	_, err := svc.Submit(ctx, alice(3), waveform(4, 1, 3), 8)
	require.NoError(t, err)
	require.NoError(t, svc.Vacate(ctx, 3))

	_, err = svc.FetchCurrent(ctx, 3)
	assert.ErrorIs(t, err, store.ErrRoomNotFound)

	hist, err := svc.FetchHistory(ctx, 1001, store.TimeRange{})
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestSubmitRequest_Points(t *testing.T) {
	_, err := SubmitRequest{}.Points()
	assert.ErrorIs(t, err, analysis.ErrInvalidSample)

	both := SubmitRequest{
		Waveform: waveform(1),
		ADCRows:  [][]float64{{0, 8000, 9000, 0}},
	}
	_, err = both.Points()
	assert.ErrorIs(t, err, ErrInvalidRequest)

	pts, err := SubmitRequest{Waveform: waveform(1)}.Points()
	require.NoError(t, err)
	assert.Len(t, pts, 11)
}

func TestKindRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindInvalidSample, KindInvalidRequest, KindRoomNotFound, KindSampleNotFound, KindStorageUnavailable} {
		assert.Equal(t, k, KindOf(k.Sentinel()), k)
	}
	assert.Nil(t, KindInternal.Sentinel())
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}
