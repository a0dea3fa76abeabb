package analyzer

import (
	"math"
	"time"

	"github.com/markcheno/go-talib"

	"tradebot/internal/models"
)

const (
	rsiPeriod    = 14
	bandPeriod   = 20
	bandStdDev   = 2.0
	smaPeriod    = 20
	emaPeriod    = 12
	volumePeriod = 20

	// RSI требует period+1 точек, полосы — period; берём с запасом.
	minCandles = bandPeriod + 1
)

// Analyze превращает свечи в снимок рынка. ok=false значит "пропустить
// рынок в этом цикле" — это не ошибка.
func Analyze(market string, candles []models.Candle) (models.MarketState, bool) {
	if len(candles) < minCandles {
		return models.MarketState{Market: market}, false
	}

	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	rsi := last(talib.Rsi(closes, rsiPeriod))
	upper, middle, lower := talib.BBands(closes, bandPeriod, bandStdDev, bandStdDev, talib.SMA)
	sma := last(talib.Sma(closes, smaPeriod))
	ema := last(talib.Ema(closes, emaPeriod))

	volumeSMA := last(talib.Sma(volumes, volumePeriod))
	volumeRatio := 0.0
	if volumeSMA > 0 {
		volumeRatio = volumes[len(volumes)-1] / volumeSMA
	}

	state := models.MarketState{
		Market:      market,
		Price:       closes[len(closes)-1],
		RSI:         rsi,
		BandUpper:   last(upper),
		BandMiddle:  last(middle),
		BandLower:   last(lower),
		SMA:         sma,
		EMA:         ema,
		VolumeRatio: volumeRatio,
		Timestamp:   time.Now(),
	}

	if hasNaN(state.RSI, state.BandUpper, state.BandMiddle, state.BandLower,
		state.SMA, state.EMA, state.VolumeRatio) || state.Price <= 0 {
		return models.MarketState{Market: market}, false
	}

	state.Valid = true
	return state, true
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

func hasNaN(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}
