package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryBackend keeps everything in process memory.
//
// Each room publishes its state through one atomic snapshot pointer. A
// history entry records the per-room sequence number of the commit that
// produced it and is only visible once its room's snapshot has reached
// that sequence, so the history append and the current-state replacement
// become visible at the same instant.
type MemoryBackend struct {
	ids   atomic.Uint64
	rooms sync.Map // int -> *memRoom
	logs  sync.Map // int64 -> *patientLog
}

type memRoom struct {
	head atomic.Pointer[roomSnapshot]
}

type roomSnapshot struct {
	current *Sample // nil when the room is vacant
	seq     uint64
}

type patientLog struct {
	mu      sync.RWMutex
	entries []memEntry
}

type memEntry struct {
	sample *Sample
	room   *memRoom
	seq    uint64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) room(n int) *memRoom {
	if r, ok := b.rooms.Load(n); ok {
		return r.(*memRoom)
	}
	r, _ := b.rooms.LoadOrStore(n, &memRoom{})
	return r.(*memRoom)
}

func (b *MemoryBackend) log(mrn int64) *patientLog {
	if l, ok := b.logs.Load(mrn); ok {
		return l.(*patientLog)
	}
	l, _ := b.logs.LoadOrStore(mrn, &patientLog{})
	return l.(*patientLog)
}

func (r *memRoom) snapshot() roomSnapshot {
	if s := r.head.Load(); s != nil {
		return *s
	}
	return roomSnapshot{}
}

func (e memEntry) visible() bool {
	return e.seq <= e.room.snapshot().seq
}

func (b *MemoryBackend) Commit(_ context.Context, s Sample) (Sample, error) {
	room := b.room(s.RoomNumber)
	seq := room.snapshot().seq + 1

	s.ID = b.ids.Add(1)
	stored := s.clone()

	l := b.log(s.MRN)
	l.mu.Lock()
	l.entries = append(l.entries, memEntry{sample: &stored, room: room, seq: seq})
	l.mu.Unlock()

	room.head.Store(&roomSnapshot{current: &stored, seq: seq})
	return s, nil
}

func (b *MemoryBackend) Current(_ context.Context, n int) (Sample, error) {
	r, ok := b.rooms.Load(n)
	if !ok {
		return Sample{}, ErrRoomNotFound
	}
	snap := r.(*memRoom).snapshot()
	if snap.current == nil {
		return Sample{}, ErrRoomNotFound
	}
	return snap.current.clone(), nil
}

func (b *MemoryBackend) CurrentByMRN(_ context.Context, mrn int64) (Sample, error) {
	var (
		found Sample
		ok    bool
	)
	b.rooms.Range(func(_, v any) bool {
		snap := v.(*memRoom).snapshot()
		if snap.current != nil && snap.current.MRN == mrn {
			found, ok = snap.current.clone(), true
			return false
		}
		return true
	})
	if !ok {
		return Sample{}, ErrRoomNotFound
	}
	return found, nil
}

func (b *MemoryBackend) History(_ context.Context, mrn int64, r TimeRange) ([]Sample, error) {
	v, ok := b.logs.Load(mrn)
	if !ok {
		return []Sample{}, nil
	}
	l := v.(*patientLog)
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Sample, 0, len(l.entries))
	for _, e := range l.entries {
		if e.visible() && r.Contains(e.sample.Timestamp) {
			out = append(out, e.sample.clone())
		}
	}
	return out, nil
}

func (b *MemoryBackend) Entry(_ context.Context, mrn int64, id uint64) (Sample, error) {
	v, ok := b.logs.Load(mrn)
	if !ok {
		return Sample{}, ErrSampleNotFound
	}
	l := v.(*patientLog)
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, e := range l.entries {
		if e.sample.ID == id && e.visible() {
			return e.sample.clone(), nil
		}
	}
	return Sample{}, ErrSampleNotFound
}

func (b *MemoryBackend) Rooms(_ context.Context) ([]int, error) {
	rooms := []int{}
	b.rooms.Range(func(k, v any) bool {
		if v.(*memRoom).snapshot().current != nil {
			rooms = append(rooms, k.(int))
		}
		return true
	})
	sort.Ints(rooms)
	return rooms, nil
}

func (b *MemoryBackend) Vacate(_ context.Context, n int) error {
	v, ok := b.rooms.Load(n)
	if !ok {
		return ErrRoomNotFound
	}
	room := v.(*memRoom)
	snap := room.snapshot()
	if snap.current == nil {
		return ErrRoomNotFound
	}
	room.head.Store(&roomSnapshot{seq: snap.seq})
	return nil
}
