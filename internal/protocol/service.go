// Package protocol mediates between transport requests and the room-state
// store: it runs waveform analysis on uploads, validates identities and
// shapes stored samples into responses.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"cpapsync/internal/analysis"
	"cpapsync/internal/store"
)

var validName = regexp.MustCompile(`^[A-Za-z '\-]+$`)

// PressureLimits bounds accepted CPAP pressures in cmH2O.
type PressureLimits struct {
	Min float64
	Max float64
}

// Service holds no business state of its own; every request is delegated
// to the analyzer and the store.
type Service struct {
	analyzer *analysis.Analyzer
	store    *store.Store
	limits   PressureLimits
	log      *zap.Logger
	now      func() time.Time
}

func NewService(a *analysis.Analyzer, st *store.Store, limits PressureLimits, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		analyzer: a,
		store:    st,
		limits:   limits,
		log:      log,
		now:      time.Now,
	}
}

// Submit analyses points, stores the resulting sample as the room's
// current state and returns the computed metrics.
func (s *Service) Submit(ctx context.Context, id Identity, points []analysis.Point, pressure float64) (SubmitResult, error) {
	id, err := s.validateIdentity(id)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := s.validatePressure(pressure); err != nil {
		return SubmitResult{}, err
	}

	m, err := s.analyzer.Analyze(points)
	if err != nil {
		return SubmitResult{}, err
	}
	if m.LeakEstimate < 0 {
		s.log.Warn("negative leakage detected",
			zap.Int64("mrn", id.MRN),
			zap.Int("room", id.RoomNumber),
			zap.Float64("leak_l", m.LeakEstimate))
	}

	committed, err := s.store.AppendSample(ctx, store.Sample{
		MRN:           id.MRN,
		Name:          id.Name,
		RoomNumber:    id.RoomNumber,
		Timestamp:     s.now(),
		PressureCmH2O: pressure,
		BreathingRate: m.BreathingRate,
		RateAvailable: m.RateAvailable,
		ApneaCount:    m.ApneaCount,
		LeakEstimate:  m.LeakEstimate,
		Waveform:      points,
	})
	if err != nil {
		return SubmitResult{}, err
	}

	s.log.Debug("sample committed",
		zap.Uint64("sample_id", committed.ID),
		zap.Int("room", committed.RoomNumber),
		zap.Int("breaths", m.Breaths),
		zap.Int("apnea_count", m.ApneaCount))

	return SubmitResult{
		SampleID:   committed.ID,
		RoomNumber: committed.RoomNumber,
		Timestamp:  committed.Timestamp,
		Metrics:    m,
	}, nil
}

// FetchCurrent returns the current state of room, waveform included.
func (s *Service) FetchCurrent(ctx context.Context, room int) (SampleView, error) {
	if room < 0 {
		return SampleView{}, fmt.Errorf("%w: room number must be a non-negative integer", ErrInvalidRequest)
	}
	cur, err := s.store.Current(ctx, room)
	if err != nil {
		return SampleView{}, err
	}
	return viewOf(cur, true), nil
}

// FetchHistory lists a patient's samples within r, oldest first. Waveforms
// are left out; use FetchEntry for a single sample with its waveform.
func (s *Service) FetchHistory(ctx context.Context, mrn int64, r store.TimeRange) ([]SampleView, error) {
	if mrn < 0 {
		return nil, fmt.Errorf("%w: MRN must be a non-negative integer", ErrInvalidRequest)
	}
	if !r.From.IsZero() && !r.To.IsZero() && r.To.Before(r.From) {
		return nil, fmt.Errorf("%w: time range ends before it starts", ErrInvalidRequest)
	}
	samples, err := s.store.History(ctx, mrn, r)
	if err != nil {
		return nil, err
	}
	out := make([]SampleView, len(samples))
	for i, smp := range samples {
		out[i] = viewOf(smp, false)
	}
	return out, nil
}

// FetchEntry returns one history sample of a patient with its waveform.
func (s *Service) FetchEntry(ctx context.Context, mrn int64, id uint64) (SampleView, error) {
	smp, err := s.store.Entry(ctx, mrn, id)
	if err != nil {
		return SampleView{}, err
	}
	return viewOf(smp, true), nil
}

// SetPressure changes the pressure of an occupied room. The change is
// recorded as a new sample.
func (s *Service) SetPressure(ctx context.Context, room int, pressure float64) (SampleView, error) {
	if room < 0 {
		return SampleView{}, fmt.Errorf("%w: room number must be a non-negative integer", ErrInvalidRequest)
	}
	if err := s.validatePressure(pressure); err != nil {
		return SampleView{}, err
	}
	updated, err := s.store.UpdatePressure(ctx, room, pressure, s.now())
	if err != nil {
		return SampleView{}, err
	}
	s.log.Info("pressure updated",
		zap.Int("room", room),
		zap.Float64("pressure_cmh2o", pressure),
		zap.Uint64("sample_id", updated.ID))
	return viewOf(updated, false), nil
}

// Rooms lists the occupied rooms.
func (s *Service) Rooms(ctx context.Context) ([]int, error) {
	return s.store.Rooms(ctx)
}

// CheckAssignment reports whether mrn already holds a room and whether
// room is already occupied, so a bedside client can warn before uploading.
func (s *Service) CheckAssignment(ctx context.Context, mrn int64, room int) (Assignment, error) {
	if mrn < 0 || room < 0 {
		return Assignment{}, fmt.Errorf("%w: MRN and room number must be non-negative integers", ErrInvalidRequest)
	}
	var a Assignment

	byMRN, err := s.store.CurrentByMRN(ctx, mrn)
	switch {
	case err == nil:
		a.MRNAssigned = true
		r := byMRN.RoomNumber
		a.RoomOfMRN = &r
	case !errors.Is(err, store.ErrRoomNotFound):
		return Assignment{}, err
	}

	cur, err := s.store.Current(ctx, room)
	switch {
	case err == nil:
		a.RoomOccupied = true
		m := cur.MRN
		a.OccupiedBy = &m
	case !errors.Is(err, store.ErrRoomNotFound):
		return Assignment{}, err
	}
	return a, nil
}

// Vacate ends the occupancy of room. History is kept.
func (s *Service) Vacate(ctx context.Context, room int) error {
	if err := s.store.Vacate(ctx, room); err != nil {
		return err
	}
	s.log.Info("room vacated", zap.Int("room", room))
	return nil
}

// PressureLimits returns the accepted pressure range.
func (s *Service) PressureLimits() PressureLimits { return s.limits }

func (s *Service) validateIdentity(id Identity) (Identity, error) {
	id.Name = strings.TrimSpace(id.Name)
	if id.Name == "" || !validName.MatchString(id.Name) {
		return id, fmt.Errorf("%w: name cannot be empty or contain invalid characters", ErrInvalidRequest)
	}
	if id.MRN < 0 {
		return id, fmt.Errorf("%w: MRN must be a non-negative integer", ErrInvalidRequest)
	}
	if id.RoomNumber < 0 {
		return id, fmt.Errorf("%w: room number must be a non-negative integer", ErrInvalidRequest)
	}
	return id, nil
}

func (s *Service) validatePressure(p float64) error {
	if math.IsNaN(p) || p < s.limits.Min || p > s.limits.Max {
		return fmt.Errorf("%w: CPAP pressure out of range (%g-%g cmH2O)", ErrInvalidRequest, s.limits.Min, s.limits.Max)
	}
	return nil
}
