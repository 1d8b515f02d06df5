package protocol

import (
	"fmt"
	"time"

	"cpapsync/internal/analysis"
	"cpapsync/internal/store"
)

// Identity names the patient and the room a sample belongs to.
type Identity struct {
	MRN        int64  `json:"mrn"`
	Name       string `json:"name"`
	RoomNumber int    `json:"room_number"`
}

// SubmitRequest is the upload payload of a bedside client. Either Waveform
// (time, flow) or ADCRows (raw Venturi channels) must be set.
type SubmitRequest struct {
	Identity
	Pressure float64          `json:"pressure"`
	Waveform []analysis.Point `json:"waveform,omitempty"`
	ADCRows  [][]float64      `json:"adc_rows,omitempty"`
}

// Points returns the flow waveform of the request, converting raw ADC rows
// when no waveform was sent.
func (r SubmitRequest) Points() ([]analysis.Point, error) {
	if len(r.Waveform) > 0 {
		if len(r.ADCRows) > 0 {
			return nil, fmt.Errorf("%w: send either waveform or adc_rows, not both", ErrInvalidRequest)
		}
		return r.Waveform, nil
	}
	if len(r.ADCRows) > 0 {
		return analysis.FlowFromADC(r.ADCRows)
	}
	return nil, fmt.Errorf("%w: empty waveform", analysis.ErrInvalidSample)
}

// SubmitResult is returned to the uploader so it can display the metrics
// computed from its waveform.
type SubmitResult struct {
	SampleID   uint64           `json:"sample_id"`
	RoomNumber int              `json:"room_number"`
	Timestamp  time.Time        `json:"timestamp"`
	Metrics    analysis.Metrics `json:"metrics"`
}

// PressureRequest changes the CPAP pressure of a room.
type PressureRequest struct {
	Pressure float64 `json:"pressure"`
}

// SampleView is the response shape of a stored sample. BreathingRate is
// null when too few breaths were detected.
type SampleView struct {
	ID            uint64           `json:"id"`
	MRN           int64            `json:"mrn"`
	Name          string           `json:"name"`
	RoomNumber    int              `json:"room_number"`
	Timestamp     time.Time        `json:"timestamp"`
	PressureCmH2O float64          `json:"pressure_cmh2o"`
	BreathingRate *float64         `json:"breathing_rate"`
	ApneaCount    int              `json:"apnea_count"`
	LeakEstimate  float64          `json:"leak_estimate"`
	Waveform      []analysis.Point `json:"waveform,omitempty"`
}

func viewOf(s store.Sample, withWaveform bool) SampleView {
	v := SampleView{
		ID:            s.ID,
		MRN:           s.MRN,
		Name:          s.Name,
		RoomNumber:    s.RoomNumber,
		Timestamp:     s.Timestamp,
		PressureCmH2O: s.PressureCmH2O,
		ApneaCount:    s.ApneaCount,
		LeakEstimate:  s.LeakEstimate,
	}
	if s.RateAvailable {
		rate := s.BreathingRate
		v.BreathingRate = &rate
	}
	if withWaveform {
		v.Waveform = s.Waveform
	}
	return v
}

// Assignment reports whether a patient or a room already has a current
// record.
type Assignment struct {
	MRNAssigned  bool `json:"mrn_assigned"`
	RoomOfMRN    *int `json:"room_of_mrn,omitempty"`
	RoomOccupied bool `json:"room_occupied"`
	// OccupiedBy is the MRN currently shown in the room.
	OccupiedBy *int64 `json:"occupied_by,omitempty"`
}
