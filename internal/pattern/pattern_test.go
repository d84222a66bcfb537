package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chartfeed/internal/model"
)

const t0 = int64(1705415400)

func bar(i int, open, high, low, close float64, vol int64) model.Candle {
	return model.Candle{Time: t0 + int64(i)*60, Open: open, High: high, Low: low, Close: close, Volume: vol}
}

// flatTop builds five prior candles followed by seven consolidation
// candles with the given highs, window low and prior low.
func flatTop(highs []float64, low, priorLow float64, lastVol int64) []model.Candle {
	var cs []model.Candle
	for i := 0; i < 5; i++ {
		cs = append(cs, bar(i, priorLow+0.2, priorLow+0.5, priorLow, priorLow+0.3, 1000))
	}
	for i, h := range highs {
		vol := int64(1000)
		if i == len(highs)-1 {
			vol = lastVol
		}
		cs = append(cs, bar(5+i, h-0.1, h, low, h-0.05, vol))
	}
	return cs
}

func TestMicroPullback(t *testing.T) {
	tight := []float64{100.2, 100.25, 100.3, 100.2, 100.25, 100.3, 100.2}
	loose := []float64{100.0, 100.6, 100.0, 100.6, 100.0, 100.6, 100.0}

	cases := []struct {
		name     string
		candles  []model.Candle
		detected bool
		strength string
	}{
		{"tight range and flat top", flatTop(tight, 99.9, 100.0, 1000), true, model.StrengthStrong},
		{"loose but within limits", flatTop(loose, 99.0, 99.5, 1500), true, model.StrengthWeak},
		{"volume dry-up alone", flatTop(loose, 99.0, 99.5, 100), true, model.StrengthModerate},
		{"range too wide", flatTop(tight, 97.0, 98.0, 1000), false, ""},
		{"prior low below window low", flatTop(tight, 99.9, 99.0, 1000), false, ""},
		{"insufficient history", flatTop(tight, 99.9, 100.0, 1000)[5:], false, ""},
	}
	d := NewMicroPullback()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, ok := d.Detect(tc.candles)
			require.Equal(t, tc.detected, ok)
			if !ok {
				return
			}
			assert.Equal(t, "micro_pullback", f.Kind)
			assert.Equal(t, tc.strength, f.Strength)
			assert.Equal(t, tc.candles[len(tc.candles)-1].Time, f.Time)
			assert.Greater(t, f.Level, f.Stop)
		})
	}
}

func TestSupportResistance_Resistance(t *testing.T) {
	var cs []model.Candle
	for i := 0; i < 30; i++ {
		c := bar(i, 101, 103, 100, 102, 500)
		switch i {
		case 5, 15, 28:
			c.High = 105
		case 10:
			c.Low = 98
		}
		cs = append(cs, c)
	}
	cs[29].Close = 104.4
	cs[29].High = 104.5

	f, ok := NewSupportResistance().Detect(cs)
	require.True(t, ok)
	assert.Equal(t, "resistance", f.Kind)
	assert.Equal(t, 105.0, f.Level)
	assert.Equal(t, model.StrengthModerate, f.Strength)
}

func TestSupportResistance_NoRepeatedTouch(t *testing.T) {
	var cs []model.Candle
	for i := 0; i < 30; i++ {
		p := 100 + float64(i)
		cs = append(cs, bar(i, p, p+0.5, p-0.5, p+0.2, 100))
	}
	_, ok := NewSupportResistance().Detect(cs)
	assert.False(t, ok)
}

func TestGapZone(t *testing.T) {
	cs := []model.Candle{
		bar(0, 99.5, 100, 99, 99.8, 100),
		bar(1, 100, 101.5, 100, 101.4, 300),
		bar(2, 101.6, 102, 101.5, 101.8, 200),
		bar(3, 101.8, 102.2, 100.5, 101, 100),
	}
	f, ok := NewGapZone().Detect(cs)
	require.True(t, ok)
	assert.Equal(t, "gap_up", f.Kind)
	assert.Equal(t, 100.0, f.Lower)
	assert.Equal(t, 101.5, f.Upper)
	assert.Equal(t, model.StrengthStrong, f.Strength)

	// A later candle trading through the bottom of the zone fills it.
	cs = append(cs, bar(4, 101, 101.6, 99.9, 100.2, 100))
	_, ok = NewGapZone().Detect(cs)
	assert.False(t, ok)
}

func flagSeries(consLow float64) []model.Candle {
	cs := []model.Candle{
		bar(0, 100.2, 100.8, 100, 100.7, 1000),
		bar(1, 101.1, 101.8, 101, 101.7, 1000),
		bar(2, 101.9, 102.5, 101.8, 102.4, 1000),
		bar(3, 102.5, 103, 102.4, 102.9, 1000),
	}
	for i := 4; i < 8; i++ {
		cs = append(cs, bar(i, 102.6, 102.8, consLow, 102.5, 300))
	}
	return cs
}

func TestFlagPennant(t *testing.T) {
	f, ok := NewFlagPennant().Detect(flagSeries(102.4))
	require.True(t, ok)
	assert.Equal(t, "bull_flag", f.Kind)
	assert.Equal(t, 102.8, f.Level)
	assert.Equal(t, 102.4, f.Stop)
	assert.Equal(t, model.StrengthStrong, f.Strength)

	_, ok = NewFlagPennant().Detect(flagSeries(101.2))
	assert.False(t, ok, "deep retracement is not a flag")
}

func TestDetectAll_DoesNotMutate(t *testing.T) {
	cs := flatTop([]float64{100.2, 100.25, 100.3, 100.2, 100.25, 100.3, 100.2}, 99.9, 100.0, 1000)
	before := model.CloneCandles(cs)

	findings := DetectAll(cs, Default())
	assert.Equal(t, before, cs)

	var kinds []string
	for _, f := range findings {
		kinds = append(kinds, f.Kind)
	}
	assert.Contains(t, kinds, "micro_pullback")
}

func TestDetectors_EmptyInput(t *testing.T) {
	for _, d := range Default() {
		_, ok := d.Detect(nil)
		assert.False(t, ok, d.Name())
	}
}
