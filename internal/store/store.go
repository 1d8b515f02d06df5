// Package store keeps the append-only sample history together with the
// current-state record of every occupied room.
package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"cpapsync/internal/analysis"
)

var (
	// ErrRoomNotFound is returned for operations on a vacant room.
	ErrRoomNotFound = errors.New("room not found")
	// ErrSampleNotFound is returned when a history entry does not exist.
	ErrSampleNotFound = errors.New("sample not found")
	// ErrStorageUnavailable wraps failures of the durable backend.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Sample is one accepted observation. Once committed it is never changed.
type Sample struct {
	ID            uint64
	MRN           int64
	Name          string
	RoomNumber    int
	Timestamp     time.Time
	PressureCmH2O float64
	BreathingRate float64
	RateAvailable bool
	ApneaCount    int
	LeakEstimate  float64
	Waveform      []analysis.Point
}

func (s Sample) clone() Sample {
	s.Waveform = slices.Clone(s.Waveform)
	return s
}

// TimeRange bounds a history query. Zero bounds are open; both bounds are
// inclusive.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls within r.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// Backend is the persistence layer behind Store. Commit must make the
// history append and the current-state replacement visible together.
// Store serializes Commit and Vacate per room, so a backend only has to
// handle concurrency between different rooms.
type Backend interface {
	Commit(ctx context.Context, s Sample) (Sample, error)
	Current(ctx context.Context, room int) (Sample, error)
	CurrentByMRN(ctx context.Context, mrn int64) (Sample, error)
	History(ctx context.Context, mrn int64, r TimeRange) ([]Sample, error)
	Entry(ctx context.Context, mrn int64, id uint64) (Sample, error)
	Rooms(ctx context.Context) ([]int, error)
	Vacate(ctx context.Context, room int) error
}

// CommitHook observes every committed sample. Hooks run while the room is
// still locked, so they see the commits of one room in commit order.
type CommitHook func(ctx context.Context, s Sample)

// VacateHook observes every vacated room. Like commit hooks it runs while
// the room is locked, so no commit to the room can slip in before it.
type VacateHook func(ctx context.Context, room int)

// Option configures a Store.
type Option func(*Store)

// WithCommitHook registers h to run after every successful commit.
func WithCommitHook(h CommitHook) Option {
	return func(s *Store) { s.hooks = append(s.hooks, h) }
}

// WithVacateHook registers h to run after every successful vacate.
func WithVacateHook(h VacateHook) Option {
	return func(s *Store) { s.vacateHooks = append(s.vacateHooks, h) }
}

// Store is the shared room-state model. Writes to the same room are
// linearized by a per-room lock; writes to different rooms never wait for
// each other.
type Store struct {
	backend     Backend
	locks       *roomLocks
	hooks       []CommitHook
	vacateHooks []VacateHook
}

func New(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, locks: newRoomLocks()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AppendSample appends sample to the history and makes it the current
// record of its room. Concurrent appends to one room are committed in the
// order they acquire the room lock and the last commit wins the current
// record; history order matches commit order, not sensor timestamps.
// The returned sample carries the assigned ID and the timestamp as the
// backend stores it; GormBackend keeps microseconds in UTC.
func (s *Store) AppendSample(ctx context.Context, sample Sample) (Sample, error) {
	unlock := s.locks.lock(sample.RoomNumber)
	defer unlock()
	return s.commitLocked(ctx, sample)
}

// UpdatePressure records a pressure change for an occupied room as a new
// sample that repeats the current metrics and waveform.
func (s *Store) UpdatePressure(ctx context.Context, room int, pressure float64, at time.Time) (Sample, error) {
	unlock := s.locks.lock(room)
	defer unlock()

	cur, err := s.backend.Current(ctx, room)
	if err != nil {
		return Sample{}, err
	}
	next := cur.clone()
	next.ID = 0
	next.PressureCmH2O = pressure
	next.Timestamp = at
	return s.commitLocked(ctx, next)
}

func (s *Store) commitLocked(ctx context.Context, sample Sample) (Sample, error) {
	committed, err := s.backend.Commit(ctx, sample.clone())
	if err != nil {
		return Sample{}, err
	}
	for _, h := range s.hooks {
		h(ctx, committed.clone())
	}
	return committed, nil
}

// Current returns the current record of room or ErrRoomNotFound. It does
// not take the room lock.
func (s *Store) Current(ctx context.Context, room int) (Sample, error) {
	return s.backend.Current(ctx, room)
}

// CurrentByMRN returns the current record of the room the patient occupies.
func (s *Store) CurrentByMRN(ctx context.Context, mrn int64) (Sample, error) {
	return s.backend.CurrentByMRN(ctx, mrn)
}

// History returns the samples of a patient within r, oldest first.
func (s *Store) History(ctx context.Context, mrn int64, r TimeRange) ([]Sample, error) {
	return s.backend.History(ctx, mrn, r)
}

// Entry returns a single history sample of a patient.
func (s *Store) Entry(ctx context.Context, mrn int64, id uint64) (Sample, error) {
	return s.backend.Entry(ctx, mrn, id)
}

// Rooms lists occupied room numbers in ascending order.
func (s *Store) Rooms(ctx context.Context) ([]int, error) {
	return s.backend.Rooms(ctx)
}

// Vacate drops the current record of room. History is kept.
func (s *Store) Vacate(ctx context.Context, room int) error {
	unlock := s.locks.lock(room)
	defer unlock()
	if err := s.backend.Vacate(ctx, room); err != nil {
		return err
	}
	for _, h := range s.vacateHooks {
		h(ctx, room)
	}
	return nil
}
