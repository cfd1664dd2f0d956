package sensorlog

import (
	"context"
	"math"
)

// AggFunc enumerates aggregation functions.
type AggFunc int

const (
	AggCount AggFunc = iota
	AggSum
	AggMean
	AggMin
	AggMax
)

// AggResult is the outcome of an aggregation.
type AggResult struct {
	Value float64
	Count int
}

// Aggregate folds all readings matching q with the given function. With no
// matching readings, Value is 0 and Count is 0.
func (s *Store) Aggregate(ctx context.Context, q Query, fn AggFunc) (AggResult, error) {
	cur := s.Query(q)
	defer cur.Close()

	var (
		count int
		sum   float64
		min   = math.Inf(1)
		max   = math.Inf(-1)
	)
	for cur.Next() {
		select {
		case <-ctx.Done():
			return AggResult{}, ErrQueryCanceled
		default:
		}
		v := cur.Reading().Value
		count++
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if err := cur.Err(); err != nil {
		return AggResult{}, err
	}
	if count == 0 {
		return AggResult{}, nil
	}

	out := AggResult{Count: count}
	switch fn {
	case AggCount:
		out.Value = float64(count)
	case AggSum:
		out.Value = sum
	case AggMean:
		out.Value = sum / float64(count)
	case AggMin:
		out.Value = min
	case AggMax:
		out.Value = max
	}
	return out, nil
}
