package reconcile

import (
	"sort"

	"chartfeed/internal/model"
)

// series is the merged candle sequence for the session symbol. It
// remembers which buckets were built from the stream so a snapshot merge
// can let them win while streaming.
type series struct {
	candles  []model.Candle
	streamed map[int64]bool
}

func newSeries() series {
	return series{streamed: make(map[int64]bool)}
}

func (s *series) len() int { return len(s.candles) }

func (s *series) maxTime() int64 {
	if len(s.candles) == 0 {
		return 0
	}
	return s.candles[len(s.candles)-1].Time
}

func (s *series) snapshot() []model.Candle {
	return model.CloneCandles(s.candles)
}

// upsert applies a stream-built candle. Only the tail bucket or a newer
// one is accepted; anything older would rewrite delivered history.
func (s *series) upsert(c model.Candle) (model.UpdateKind, bool) {
	n := len(s.candles)
	switch {
	case n == 0 || c.Time > s.candles[n-1].Time:
		s.candles = append(s.candles, c)
	case c.Time == s.candles[n-1].Time:
		s.candles[n-1] = c
	default:
		return "", false
	}
	s.streamed[c.Time] = true
	if n == len(s.candles) {
		return model.UpdateTail, true
	}
	return model.UpdateAppend, true
}

// merge folds a snapshot into the series as a union by bucket. On a shared
// bucket the stream-built candle is kept when streamWins, otherwise the
// snapshot's. It returns the index of the first candle that differs from
// the previous series and whether anything changed.
func (s *series) merge(snap []model.Candle, streamWins bool) (first int, changed bool) {
	snap = ordered(snap)
	old := s.candles
	out := make([]model.Candle, 0, len(old)+len(snap))

	i, j := 0, 0
	for i < len(old) || j < len(snap) {
		switch {
		case j >= len(snap) || (i < len(old) && old[i].Time < snap[j].Time):
			out = append(out, old[i])
			i++
		case i >= len(old) || snap[j].Time < old[i].Time:
			out = append(out, snap[j])
			j++
		default:
			if streamWins && s.streamed[old[i].Time] {
				out = append(out, old[i])
			} else {
				out = append(out, snap[j])
				delete(s.streamed, old[i].Time)
			}
			i++
			j++
		}
	}

	first = len(out)
	for k := range out {
		if k >= len(old) || out[k] != old[k] {
			first = k
			break
		}
	}
	s.candles = out
	return first, first < len(out)
}

// ordered returns snap sorted by time with one candle per bucket, the
// later entry winning. Invalid candles are dropped.
func ordered(snap []model.Candle) []model.Candle {
	cp := make([]model.Candle, 0, len(snap))
	for _, c := range snap {
		if c.Valid() && c.Time > 0 {
			cp = append(cp, c)
		}
	}
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Time < cp[j].Time })
	out := cp[:0]
	for _, c := range cp {
		if n := len(out); n > 0 && out[n-1].Time == c.Time {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}
	return out
}
