package sensorlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"time"
)

const (
	// AckToken is the acknowledgment sent after a reading is stored.
	AckToken = "ACK"

	// frameDelimiter terminates every protocol frame.
	frameDelimiter = '\n'
)

// ackFrame is the complete acknowledgment frame.
var ackFrame = []byte(AckToken + string(frameDelimiter))

// wireReading is the JSON shape of one protocol message.
type wireReading struct {
	Timestamp string          `json:"timestamp"`
	SensorID  string          `json:"sensor_id"`
	Value     json.RawMessage `json:"value,omitempty"`
	Unit      *string         `json:"unit,omitempty"`
}

// EncodeFrame serializes a reading as a single newline-terminated JSON
// object, UTF-8 encoded.
func EncodeFrame(r Reading) ([]byte, error) {
	unit := r.Unit
	msg := wireReading{
		Timestamp: r.Timestamp.Format(time.RFC3339Nano),
		SensorID:  r.SensorID,
		Value:     json.RawMessage(strconv.FormatFloat(r.Value, 'g', -1, 64)),
		Unit:      &unit,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(payload, frameDelimiter), nil
}

// ReadFrame accumulates bytes from r until the frame delimiter and returns
// the frame without the delimiter. A connection closed mid-frame yields
// ErrTruncatedFrame; a clean close before any byte yields io.EOF.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes(frameDelimiter)
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) == 0 {
			return nil, io.EOF
		}
		if errors.Is(err, io.EOF) {
			return nil, newProtocolError(ProtocolErrorTypeFraming, "connection closed mid-frame", ErrTruncatedFrame)
		}
		return nil, newProtocolError(ProtocolErrorTypeFraming, "frame read failed", err)
	}
	return line[:len(line)-1], nil
}

// DecodeReading parses one frame into a Reading. Missing keys and values
// that cannot be coerced are reported as ProtocolError.
func DecodeReading(frame []byte) (Reading, error) {
	var msg wireReading
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Reading{}, newProtocolError(ProtocolErrorTypeSyntax, "invalid JSON", err)
	}

	if msg.Timestamp == "" {
		return Reading{}, newProtocolError(ProtocolErrorTypeField, "missing timestamp", nil)
	}
	ts, err := parseWireTimestamp(msg.Timestamp)
	if err != nil {
		return Reading{}, newProtocolError(ProtocolErrorTypeField, "invalid timestamp", err)
	}
	if msg.SensorID == "" {
		return Reading{}, newProtocolError(ProtocolErrorTypeField, "missing sensor_id", nil)
	}
	if len(msg.Value) == 0 {
		return Reading{}, newProtocolError(ProtocolErrorTypeField, "missing value", nil)
	}
	value, err := coerceFloat(msg.Value)
	if err != nil {
		return Reading{}, newProtocolError(ProtocolErrorTypeField, "invalid value", err)
	}
	if msg.Unit == nil {
		return Reading{}, newProtocolError(ProtocolErrorTypeField, "missing unit", nil)
	}

	return Reading{
		Timestamp: ts,
		SensorID:  msg.SensorID,
		Value:     value,
		Unit:      *msg.Unit,
	}, nil
}

// coerceFloat accepts a JSON number or a numeric string.
func coerceFloat(raw json.RawMessage) (float64, error) {
	token := bytes.TrimSpace(raw)
	if len(token) >= 2 && token[0] == '"' {
		var s string
		if err := json.Unmarshal(token, &s); err != nil {
			return 0, err
		}
		return strconv.ParseFloat(s, 64)
	}
	return strconv.ParseFloat(string(token), 64)
}

// writeAck writes the acknowledgment frame.
func writeAck(w io.Writer) error {
	_, err := w.Write(ackFrame)
	return err
}
