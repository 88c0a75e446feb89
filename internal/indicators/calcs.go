package indicators

import (
	"fmt"
	"math"

	"github.com/quantfold/tradecore/internal/domain"
)

// Indicator names accepted by the cache. MACD and Bollinger run with their
// conventional fixed parameters, so their names carry no period.
const (
	SMA       = "sma"
	EMA       = "ema"
	RSI       = "rsi"
	ATR       = "atr"
	ADX       = "adx"
	VolumeSMA = "volume_sma"

	MACDLine   = "macd"
	MACDSignal = "macd_signal"
	MACDHist   = "macd_hist"

	BBUpper  = "bb_upper"
	BBMiddle = "bb_middle"
	BBLower  = "bb_lower"
)

// Fixed parameters for the multi-output indicators.
const (
	macdFast   = 12
	macdSlow   = 26
	macdSignal = 9

	bbPeriod = 20
	bbWidth  = 2.0
)

// calculator consumes closed candles one at a time and exposes its current
// outputs. values returns nil while the calculator is still warming up.
type calculator interface {
	update(c domain.Candle)
	values() map[string]float64
	reset()
	maxPeriod() int
}

// calcKey identifies one calculator instance within a series.
type calcKey struct {
	name   string
	period int
}

// normalizeKey maps a requested (name, period) onto the calculator that owns
// it and the output key to read. Multi-output indicators share an instance.
func normalizeKey(name string, period int) (calcKey, string, error) {
	switch name {
	case MACDLine, MACDSignal, MACDHist:
		return calcKey{name: MACDLine}, name, nil
	case BBUpper, BBMiddle, BBLower:
		return calcKey{name: BBUpper}, name, nil
	case SMA, EMA, RSI, ATR, ADX, VolumeSMA:
		if period < 1 {
			return calcKey{}, "", domain.NewInputError(domain.CodeInvalidInput,
				fmt.Sprintf("indicator %s requires a positive period", name))
		}
		return calcKey{name: name, period: period}, fmt.Sprintf("%s_%d", name, period), nil
	default:
		return calcKey{}, "", domain.NewInputError(domain.CodeInvalidInput, "unknown indicator "+name)
	}
}

// newCalculator builds the calculator for a normalized key.
func newCalculator(key calcKey) calculator {
	switch key.name {
	case SMA:
		return newSMACalc(key.period, fmt.Sprintf("%s_%d", SMA, key.period), func(c domain.Candle) float64 { return c.Close })
	case VolumeSMA:
		return newSMACalc(key.period, fmt.Sprintf("%s_%d", VolumeSMA, key.period), func(c domain.Candle) float64 { return c.Volume })
	case EMA:
		return &emaCalc{key: fmt.Sprintf("%s_%d", EMA, key.period), state: newEMAState(key.period)}
	case RSI:
		return &rsiCalc{key: fmt.Sprintf("%s_%d", RSI, key.period), period: key.period}
	case ATR:
		return &atrCalc{key: fmt.Sprintf("%s_%d", ATR, key.period), period: key.period}
	case ADX:
		return &adxCalc{period: key.period}
	case MACDLine:
		return newMACDCalc()
	case BBUpper:
		return &bbCalc{}
	default:
		return nil
	}
}

// window is a fixed-size rolling window with running sum and sum of squares.
type window struct {
	vals  []float64
	idx   int
	n     int
	sum   float64
	sumSq float64
}

func newWindow(size int) *window {
	return &window{vals: make([]float64, size)}
}

func (w *window) push(x float64) {
	if w.n == len(w.vals) {
		old := w.vals[w.idx]
		w.sum -= old
		w.sumSq -= old * old
	} else {
		w.n++
	}
	w.vals[w.idx] = x
	w.sum += x
	w.sumSq += x * x
	w.idx = (w.idx + 1) % len(w.vals)
}

func (w *window) full() bool { return w.n == len(w.vals) }

func (w *window) mean() float64 { return w.sum / float64(w.n) }

// stddev is the population standard deviation over the window.
func (w *window) stddev() float64 {
	m := w.mean()
	v := w.sumSq/float64(w.n) - m*m
	if v < 0 {
		v = 0
	}
	return math.Sqrt(v)
}

func (w *window) reset() {
	w.idx, w.n = 0, 0
	w.sum, w.sumSq = 0, 0
}

// smaCalc is a rolling simple moving average over any candle field.
type smaCalc struct {
	key    string
	source func(domain.Candle) float64
	win    *window
	period int
}

func newSMACalc(period int, key string, source func(domain.Candle) float64) *smaCalc {
	return &smaCalc{key: key, source: source, win: newWindow(period), period: period}
}

func (s *smaCalc) update(c domain.Candle) { s.win.push(s.source(c)) }

func (s *smaCalc) values() map[string]float64 {
	if !s.win.full() {
		return nil
	}
	return map[string]float64{s.key: s.win.mean()}
}

func (s *smaCalc) reset()         { s.win.reset() }
func (s *smaCalc) maxPeriod() int { return s.period }

// emaState implements an EMA seeded with the SMA of its first period inputs,
// matching talib's warm-up behavior.
type emaState struct {
	period int
	alpha  float64
	count  int
	seed   float64
	val    float64
}

func newEMAState(period int) *emaState {
	return &emaState{period: period, alpha: 2.0 / float64(period+1)}
}

// push feeds one value; ok is false until the seed window fills.
func (e *emaState) push(x float64) (float64, bool) {
	e.count++
	switch {
	case e.count < e.period:
		e.seed += x
		return 0, false
	case e.count == e.period:
		e.seed += x
		e.val = e.seed / float64(e.period)
		return e.val, true
	default:
		e.val += e.alpha * (x - e.val)
		return e.val, true
	}
}

func (e *emaState) ready() bool { return e.count >= e.period }

func (e *emaState) reset() {
	e.count, e.seed, e.val = 0, 0, 0
}

type emaCalc struct {
	key   string
	state *emaState
}

func (e *emaCalc) update(c domain.Candle) { e.state.push(c.Close) }

func (e *emaCalc) values() map[string]float64 {
	if !e.state.ready() {
		return nil
	}
	return map[string]float64{e.key: e.state.val}
}

func (e *emaCalc) reset()         { e.state.reset() }
func (e *emaCalc) maxPeriod() int { return e.state.period }

// rsiCalc implements Wilder's RSI: the first average gain/loss is a simple
// mean of the first period changes, smoothed with (prev*(p-1)+cur)/p after.
type rsiCalc struct {
	key       string
	period    int
	prevClose float64
	havePrev  bool
	changes   int
	seedGain  float64
	seedLoss  float64
	avgGain   float64
	avgLoss   float64
}

func (r *rsiCalc) update(c domain.Candle) {
	if !r.havePrev {
		r.prevClose = c.Close
		r.havePrev = true
		return
	}

	change := c.Close - r.prevClose
	r.prevClose = c.Close
	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	r.changes++
	switch {
	case r.changes < r.period:
		r.seedGain += gain
		r.seedLoss += loss
	case r.changes == r.period:
		r.seedGain += gain
		r.seedLoss += loss
		r.avgGain = r.seedGain / float64(r.period)
		r.avgLoss = r.seedLoss / float64(r.period)
	default:
		p := float64(r.period)
		r.avgGain = (r.avgGain*(p-1) + gain) / p
		r.avgLoss = (r.avgLoss*(p-1) + loss) / p
	}
}

func (r *rsiCalc) values() map[string]float64 {
	if r.changes < r.period {
		return nil
	}
	var rsi float64
	if r.avgLoss == 0 {
		rsi = 100
	} else {
		rs := r.avgGain / r.avgLoss
		rsi = 100 - 100/(1+rs)
	}
	return map[string]float64{r.key: rsi}
}

func (r *rsiCalc) reset() {
	r.prevClose, r.changes = 0, 0
	r.havePrev = false
	r.seedGain, r.seedLoss, r.avgGain, r.avgLoss = 0, 0, 0, 0
}

func (r *rsiCalc) maxPeriod() int { return r.period }

// macdCalc runs EMA(12) − EMA(26) with an EMA(9) signal over the MACD line.
type macdCalc struct {
	fast   *emaState
	slow   *emaState
	signal *emaState
}

func newMACDCalc() *macdCalc {
	return &macdCalc{
		fast:   newEMAState(macdFast),
		slow:   newEMAState(macdSlow),
		signal: newEMAState(macdSignal),
	}
}

func (m *macdCalc) update(c domain.Candle) {
	f, fok := m.fast.push(c.Close)
	s, sok := m.slow.push(c.Close)
	if fok && sok {
		m.signal.push(f - s)
	}
}

func (m *macdCalc) values() map[string]float64 {
	if !m.slow.ready() || !m.signal.ready() {
		return nil
	}
	macd := m.fast.val - m.slow.val
	return map[string]float64{
		MACDLine:   macd,
		MACDSignal: m.signal.val,
		MACDHist:   macd - m.signal.val,
	}
}

func (m *macdCalc) reset() {
	m.fast.reset()
	m.slow.reset()
	m.signal.reset()
}

func (m *macdCalc) maxPeriod() int { return macdSlow + macdSignal }

// bbCalc computes Bollinger Bands: SMA(20) ± 2 population standard
// deviations.
type bbCalc struct {
	win *window
}

func (b *bbCalc) update(c domain.Candle) {
	if b.win == nil {
		b.win = newWindow(bbPeriod)
	}
	b.win.push(c.Close)
}

func (b *bbCalc) values() map[string]float64 {
	if b.win == nil || !b.win.full() {
		return nil
	}
	mid := b.win.mean()
	dev := b.win.stddev() * bbWidth
	return map[string]float64{
		BBUpper:  mid + dev,
		BBMiddle: mid,
		BBLower:  mid - dev,
	}
}

func (b *bbCalc) reset() {
	if b.win != nil {
		b.win.reset()
	}
}

func (b *bbCalc) maxPeriod() int { return bbPeriod }

// atrCalc implements Wilder's average true range. The first ATR is a simple
// mean of the first period true ranges; Wilder smoothing follows.
type atrCalc struct {
	key       string
	period    int
	prevClose float64
	havePrev  bool
	trCount   int
	seedSum   float64
	atr       float64
}

func (a *atrCalc) update(c domain.Candle) {
	if !a.havePrev {
		a.prevClose = c.Close
		a.havePrev = true
		return
	}

	tr := trueRange(c.High, c.Low, a.prevClose)
	a.prevClose = c.Close

	a.trCount++
	switch {
	case a.trCount < a.period:
		a.seedSum += tr
	case a.trCount == a.period:
		a.seedSum += tr
		a.atr = a.seedSum / float64(a.period)
	default:
		p := float64(a.period)
		a.atr = (a.atr*(p-1) + tr) / p
	}
}

func (a *atrCalc) values() map[string]float64 {
	if a.trCount < a.period {
		return nil
	}
	return map[string]float64{a.key: a.atr}
}

func (a *atrCalc) reset() {
	a.prevClose, a.seedSum, a.atr = 0, 0, 0
	a.havePrev = false
	a.trCount = 0
}

func (a *atrCalc) maxPeriod() int { return a.period }

func trueRange(high, low, prevClose float64) float64 {
	tr := high - low
	if d := math.Abs(high - prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(low - prevClose); d > tr {
		tr = d
	}
	return tr
}

// adxCalc implements Wilder's ADX with +DI/−DI as extra outputs. Smoothed
// sums use Wilder's subtraction method; the first ADX is a mean of the first
// period DX values.
type adxCalc struct {
	period    int
	prevHigh  float64
	prevLow   float64
	prevClose float64
	havePrev  bool

	count     int // number of (DM, TR) observations
	smTR      float64
	smPlusDM  float64
	smMinusDM float64

	dxCount int
	dxSeed  float64
	adx     float64
}

func (a *adxCalc) update(c domain.Candle) {
	if !a.havePrev {
		a.prevHigh, a.prevLow, a.prevClose = c.High, c.Low, c.Close
		a.havePrev = true
		return
	}

	upMove := c.High - a.prevHigh
	downMove := a.prevLow - c.Low
	plusDM, minusDM := 0.0, 0.0
	if upMove > downMove && upMove > 0 {
		plusDM = upMove
	}
	if downMove > upMove && downMove > 0 {
		minusDM = downMove
	}
	tr := trueRange(c.High, c.Low, a.prevClose)
	a.prevHigh, a.prevLow, a.prevClose = c.High, c.Low, c.Close

	a.count++
	if a.count <= a.period {
		a.smTR += tr
		a.smPlusDM += plusDM
		a.smMinusDM += minusDM
		if a.count < a.period {
			return
		}
	} else {
		p := float64(a.period)
		a.smTR = a.smTR - a.smTR/p + tr
		a.smPlusDM = a.smPlusDM - a.smPlusDM/p + plusDM
		a.smMinusDM = a.smMinusDM - a.smMinusDM/p + minusDM
	}

	dx := a.dx()
	a.dxCount++
	switch {
	case a.dxCount < a.period:
		a.dxSeed += dx
	case a.dxCount == a.period:
		a.dxSeed += dx
		a.adx = a.dxSeed / float64(a.period)
	default:
		p := float64(a.period)
		a.adx = (a.adx*(p-1) + dx) / p
	}
}

func (a *adxCalc) dx() float64 {
	if a.smTR == 0 {
		return 0
	}
	plusDI := 100 * a.smPlusDM / a.smTR
	minusDI := 100 * a.smMinusDM / a.smTR
	sum := plusDI + minusDI
	if sum == 0 {
		return 0
	}
	return 100 * math.Abs(plusDI-minusDI) / sum
}

func (a *adxCalc) values() map[string]float64 {
	if a.dxCount < a.period {
		return nil
	}
	plusDI, minusDI := 0.0, 0.0
	if a.smTR != 0 {
		plusDI = 100 * a.smPlusDM / a.smTR
		minusDI = 100 * a.smMinusDM / a.smTR
	}
	out := make(map[string]float64, 3)
	out[fmt.Sprintf("%s_%d", ADX, a.period)] = a.adx
	out[fmt.Sprintf("plus_di_%d", a.period)] = plusDI
	out[fmt.Sprintf("minus_di_%d", a.period)] = minusDI
	return out
}

func (a *adxCalc) reset() {
	a.havePrev = false
	a.prevHigh, a.prevLow, a.prevClose = 0, 0, 0
	a.count, a.dxCount = 0, 0
	a.smTR, a.smPlusDM, a.smMinusDM = 0, 0, 0
	a.dxSeed, a.adx = 0, 0
}

func (a *adxCalc) maxPeriod() int { return a.period * 2 }
