package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"cpapsync/internal/db"
)

// GormBackend persists samples in the entries (history) and rooms (current
// state) tables. A commit inserts the entry and upserts the room row in one
// transaction.
type GormBackend struct {
	db *gorm.DB
}

func NewGormBackend(gdb *gorm.DB) *GormBackend {
	return &GormBackend{db: gdb}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// Commit stores the timestamp in UTC truncated to microseconds, the
// resolution of a postgres timestamptz, and returns it that way.
func (b *GormBackend) Commit(ctx context.Context, s Sample) (Sample, error) {
	s.Timestamp = s.Timestamp.UTC().Truncate(time.Microsecond)
	entry := entryFromSample(s)
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		room := db.RoomFromEntry(&entry)
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_number"}},
			UpdateAll: true,
		}).Create(&room).Error
	})
	if err != nil {
		return Sample{}, storageErr("commit sample", err)
	}
	s.ID = entry.ID
	return s, nil
}

func (b *GormBackend) Current(ctx context.Context, n int) (Sample, error) {
	var room db.Room
	if err := b.db.WithContext(ctx).Where("room_number = ?", n).First(&room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Sample{}, ErrRoomNotFound
		}
		return Sample{}, storageErr("load room", err)
	}
	return sampleFromRoom(&room), nil
}

func (b *GormBackend) CurrentByMRN(ctx context.Context, mrn int64) (Sample, error) {
	var room db.Room
	if err := b.db.WithContext(ctx).Where("mrn = ?", mrn).Order("room_number").First(&room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Sample{}, ErrRoomNotFound
		}
		return Sample{}, storageErr("load room by mrn", err)
	}
	return sampleFromRoom(&room), nil
}

func (b *GormBackend) History(ctx context.Context, mrn int64, r TimeRange) ([]Sample, error) {
	q := b.db.WithContext(ctx).Where("mrn = ?", mrn)
	if !r.From.IsZero() {
		q = q.Where("recorded_at >= ?", r.From.UTC())
	}
	if !r.To.IsZero() {
		q = q.Where("recorded_at <= ?", r.To.UTC())
	}

	var entries []db.Entry
	if err := q.Order("id ASC").Find(&entries).Error; err != nil {
		return nil, storageErr("load history", err)
	}
	out := make([]Sample, len(entries))
	for i := range entries {
		out[i] = sampleFromEntry(&entries[i])
	}
	return out, nil
}

func (b *GormBackend) Entry(ctx context.Context, mrn int64, id uint64) (Sample, error) {
	var e db.Entry
	if err := b.db.WithContext(ctx).Where("mrn = ? AND id = ?", mrn, id).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Sample{}, ErrSampleNotFound
		}
		return Sample{}, storageErr("load entry", err)
	}
	return sampleFromEntry(&e), nil
}

func (b *GormBackend) Rooms(ctx context.Context) ([]int, error) {
	rooms := []int{}
	if err := b.db.WithContext(ctx).Model(&db.Room{}).Order("room_number").Pluck("room_number", &rooms).Error; err != nil {
		return nil, storageErr("list rooms", err)
	}
	return rooms, nil
}

func (b *GormBackend) Vacate(ctx context.Context, n int) error {
	res := b.db.WithContext(ctx).Where("room_number = ?", n).Delete(&db.Room{})
	if res.Error != nil {
		return storageErr("vacate room", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func entryFromSample(s Sample) db.Entry {
	return db.Entry{
		RecordedAt:    s.Timestamp,
		MRN:           s.MRN,
		Name:          s.Name,
		RoomNumber:    s.RoomNumber,
		PressureCmH2O: s.PressureCmH2O,
		BreathingRate: s.BreathingRate,
		RateAvailable: s.RateAvailable,
		ApneaCount:    s.ApneaCount,
		LeakEstimate:  s.LeakEstimate,
		Waveform:      datatypes.NewJSONSlice(s.Waveform),
	}
}

func sampleFromEntry(e *db.Entry) Sample {
	return Sample{
		ID:            e.ID,
		MRN:           e.MRN,
		Name:          e.Name,
		RoomNumber:    e.RoomNumber,
		Timestamp:     e.RecordedAt.UTC(),
		PressureCmH2O: e.PressureCmH2O,
		BreathingRate: e.BreathingRate,
		RateAvailable: e.RateAvailable,
		ApneaCount:    e.ApneaCount,
		LeakEstimate:  e.LeakEstimate,
		Waveform:      e.Waveform,
	}
}

func sampleFromRoom(r *db.Room) Sample {
	return Sample{
		ID:            r.EntryID,
		MRN:           r.MRN,
		Name:          r.Name,
		RoomNumber:    r.RoomNumber,
		Timestamp:     r.RecordedAt.UTC(),
		PressureCmH2O: r.PressureCmH2O,
		BreathingRate: r.BreathingRate,
		RateAvailable: r.RateAvailable,
		ApneaCount:    r.ApneaCount,
		LeakEstimate:  r.LeakEstimate,
		Waveform:      r.Waveform,
	}
}
