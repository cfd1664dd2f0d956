package sensorlog

import (
	"fmt"
	"strconv"
	"time"
)

// rowTimestampLayout is the fixed textual timestamp format used in segment
// files. Six fractional digits are always written so every row parses back.
const rowTimestampLayout = "2006-01-02 15:04:05.000000"

// wireTimestampLayouts are the ISO-8601 variants accepted on the wire,
// tried in order.
var wireTimestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05Z07:00",
}

// Reading is one timestamped sensor measurement.
type Reading struct {
	Timestamp time.Time
	SensorID  string
	Value     float64
	Unit      string
}

// Validate reports whether the reading can be stored.
func (r Reading) Validate() error {
	if r.SensorID == "" {
		return newProtocolError(ProtocolErrorTypeField, "empty sensor_id", nil)
	}
	if r.Timestamp.IsZero() {
		return newProtocolError(ProtocolErrorTypeField, "zero timestamp", nil)
	}
	return nil
}

// row returns the four CSV columns for the reading.
func (r Reading) row() []string {
	return []string{
		r.Timestamp.Format(rowTimestampLayout),
		r.SensorID,
		strconv.FormatFloat(r.Value, 'g', -1, 64),
		r.Unit,
	}
}

// readingFromRow parses a four-column CSV row back into a Reading.
func readingFromRow(row []string) (Reading, error) {
	if len(row) != 4 {
		return Reading{}, fmt.Errorf("expected 4 columns, got %d", len(row))
	}
	ts, err := time.ParseInLocation(rowTimestampLayout, row[0], time.Local)
	if err != nil {
		return Reading{}, fmt.Errorf("parse timestamp: %w", err)
	}
	value, err := strconv.ParseFloat(row[2], 64)
	if err != nil {
		return Reading{}, fmt.Errorf("parse value: %w", err)
	}
	return Reading{
		Timestamp: ts,
		SensorID:  row[1],
		Value:     value,
		Unit:      row[3],
	}, nil
}

// parseWireTimestamp parses an ISO-8601 timestamp from the wire protocol.
func parseWireTimestamp(s string) (time.Time, error) {
	for _, layout := range wireTimestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// segmentHeader is the fixed header row of every segment file.
var segmentHeader = []string{"timestamp", "sensor_id", "value", "unit"}
