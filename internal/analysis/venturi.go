package analysis

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Venturi tube geometry and sensor calibration of the bedside unit.
const (
	airDensity = 1.199 // kg/m^3, moist air

	upstreamDiameter     = 15.0 / 1000 // m
	constrictionDiameter = 12.0 / 1000 // m

	adcLow         = 1638
	adcHigh        = 14745
	adcSpanCmH2O   = 25.4
	pascalPerCmH2O = 98.0665
)

var (
	upstreamArea     = math.Pi * math.Pow(upstreamDiameter/2, 2)
	constrictionArea = math.Pi * math.Pow(constrictionDiameter/2, 2)
)

// ADC channel layout of one acquisition row.
const (
	colTime = iota
	colConstriction
	colInspiration
	colExpiration
	minADCColumns
)

// ADCToPascal converts a raw pressure-sensor reading to Pa.
func ADCToPascal(adc float64) float64 {
	cmH2O := adcSpanCmH2O / (adcHigh - adcLow) * (adc - adcLow)
	return cmH2O * pascalPerCmH2O
}

// FlowFromADC converts patient-side Venturi readings to a flow waveform in
// m^3/s. Expiratory flow (expiration pressure above inspiration pressure)
// is negative. A constriction pressure above the upstream pressure yields
// zero flow instead of an imaginary root.
func FlowFromADC(rows [][]float64) ([]Point, error) {
	points := make([]Point, 0, len(rows))
	ratio := math.Pow(upstreamArea/constrictionArea, 2) - 1
	for i, row := range rows {
		if len(row) < minADCColumns {
			return nil, fmt.Errorf("%w: row %d has %d channels, need %d",
				ErrInvalidSample, i, len(row), minADCColumns)
		}
		pIns := ADCToPascal(row[colInspiration])
		pExp := ADCToPascal(row[colExpiration])
		p2 := ADCToPascal(row[colConstriction])

		p1 := math.Max(pIns, pExp)
		diff := 2 * (p1 - p2)
		var q float64
		if diff > 0 {
			q = upstreamArea * math.Sqrt(diff/(airDensity*ratio))
		}
		if pExp > pIns {
			q = -q
		}
		points = append(points, Point{T: row[colTime], Flow: q})
	}
	return points, nil
}

// ReadADC parses comma-separated acquisition data. The first line is a
// header and is skipped. Rows containing values that do not parse as
// finite numbers are dropped; their count is returned as skipped.
func ReadADC(r io.Reader) (rows [][]float64, skipped int, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, fmt.Errorf("%w: empty acquisition file", ErrInvalidSample)
		}
		return nil, 0, fmt.Errorf("read header: %w", err)
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				skipped++
				continue
			}
			return nil, skipped, err
		}
		row, ok := parseRow(rec)
		if !ok {
			skipped++
			continue
		}
		rows = append(rows, row)
	}
	return rows, skipped, nil
}

func parseRow(rec []string) ([]float64, bool) {
	row := make([]float64, 0, len(rec))
	for _, field := range rec {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil || !finite(v) {
			return nil, false
		}
		row = append(row, v)
	}
	return row, len(row) > 0
}

// LoadWaveform reads acquisition data from r and converts it to flow.
func LoadWaveform(r io.Reader) ([]Point, int, error) {
	rows, skipped, err := ReadADC(r)
	if err != nil {
		return nil, skipped, err
	}
	points, err := FlowFromADC(rows)
	return points, skipped, err
}
