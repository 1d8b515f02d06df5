package db

import (
	"time"

	"gorm.io/datatypes"

	"cpapsync/internal/analysis"
)

// Entry is one accepted sample in the append-only history log. Rows are
// never updated or deleted; duplicates for a patient or room are expected.
type Entry struct {
	ID uint64 `gorm:"primaryKey"`

	RecordedAt time.Time `gorm:"index;not null"`

	MRN        int64  `gorm:"index;not null"`
	Name       string `gorm:"size:128;not null"`
	RoomNumber int    `gorm:"index;not null"`

	PressureCmH2O float64 `gorm:"not null"`
	BreathingRate float64 `gorm:"not null"`
	// RateAvailable is false when too few breaths were detected to
	// compute a rate.
	RateAvailable bool    `gorm:"not null"`
	ApneaCount    int     `gorm:"not null"`
	LeakEstimate  float64 `gorm:"not null"`

	// Waveform keeps the raw (time, flow) series so the sample can be
	// plotted again later.
	Waveform datatypes.JSONSlice[analysis.Point] `gorm:"type:json"`
}

// Room is the materialized current state of an occupied room: a copy of
// the latest Entry committed for RoomNumber.
type Room struct {
	RoomNumber int `gorm:"primaryKey;autoIncrement:false"`

	EntryID    uint64    `gorm:"index;not null"`
	RecordedAt time.Time `gorm:"not null"`

	MRN  int64  `gorm:"index;not null"`
	Name string `gorm:"size:128;not null"`

	PressureCmH2O float64 `gorm:"not null"`
	BreathingRate float64 `gorm:"not null"`
	RateAvailable bool    `gorm:"not null"`
	ApneaCount    int     `gorm:"not null"`
	LeakEstimate  float64 `gorm:"not null"`

	Waveform datatypes.JSONSlice[analysis.Point] `gorm:"type:json"`
}

// RoomFromEntry builds the current-state row for e.
func RoomFromEntry(e *Entry) Room {
	return Room{
		RoomNumber:    e.RoomNumber,
		EntryID:       e.ID,
		RecordedAt:    e.RecordedAt,
		MRN:           e.MRN,
		Name:          e.Name,
		PressureCmH2O: e.PressureCmH2O,
		BreathingRate: e.BreathingRate,
		RateAvailable: e.RateAvailable,
		ApneaCount:    e.ApneaCount,
		LeakEstimate:  e.LeakEstimate,
		Waveform:      e.Waveform,
	}
}
