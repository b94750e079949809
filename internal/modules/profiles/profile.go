// Package profiles maintains per-pool statistical profiles: observed
// ranges, a sliding sample window, time-of-day and weekday behavior
// buckets, and a composite confidence score. Profiles feed the
// rebalancer's APR predictions and flag anomalous samples for the
// memory store.
package profiles

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/forager/internal/domain"
)

const (
	// WindowSize is the sliding sample window length per pool.
	WindowSize = 100

	// aprTrendPeriod is the EMA period for the APR trend.
	aprTrendPeriod = 12

	// minCorrelationSamples gates the gas correlation; Pearson r over
	// fewer pairs is noise.
	minCorrelationSamples = 20

	// bucketMinSamples is the count a time bucket needs before its mean
	// participates in adjustments and anomaly checks.
	bucketMinSamples = 3

	// anomalySigmas is the deviation, in bucket standard deviations,
	// at which a sample is flagged.
	anomalySigmas = 2.0

	// consistencySpan is how many recent window samples the
	// pattern-consistency score looks at.
	consistencySpan = 10

	// fullObservationCount is where the observation term of the
	// confidence score saturates.
	fullObservationCount = 200

	// recencyHorizon is the update gap beyond which the recency term of
	// the confidence score reaches zero.
	recencyHorizon = 24 * time.Hour
)

// Bucket accumulates a running mean and variance (Welford) for one
// hour-of-day or weekday slot.
type Bucket struct {
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
	Count int     `json:"count"`
}

// Add folds one value into the bucket.
func (b *Bucket) Add(x float64) {
	b.Count++
	delta := x - b.Mean
	b.Mean += delta / float64(b.Count)
	b.M2 += delta * (x - b.Mean)
}

// Stdev returns the sample standard deviation, 0 below two samples.
func (b *Bucket) Stdev() float64 {
	if b.Count < 2 {
		return 0
	}
	return math.Sqrt(b.M2 / float64(b.Count-1))
}

// Sample is one window entry, kept small so profiles stay cheap to
// persist every cycle.
type Sample struct {
	Timestamp time.Time `json:"ts"`
	APR       float64   `json:"apr"`
	GasGwei   float64   `json:"gas"`
	TVLUSD    float64   `json:"tvl"`
	VolumeUSD float64   `json:"volume"`
}

// Anomaly reports a sample deviating from its time bucket by at least
// anomalySigmas standard deviations.
type Anomaly struct {
	PoolID string
	Pair   string
	Bucket string
	Metric string
	Value  float64
	Mean   float64
	Sigma  float64
}

// Describe renders the anomaly as memory content.
func (a Anomaly) Describe() string {
	return fmt.Sprintf("%s %s %.2f deviates from %s mean %.2f by more than %.0fσ (σ=%.2f)",
		a.Pair, a.Metric, a.Value, a.Bucket, a.Mean, anomalySigmas, a.Sigma)
}

// Profile is the derived statistical picture of one pool. Created
// lazily on the first metric, updated on every cycle that sees the
// pool, never destroyed.
type Profile struct {
	FirstSeen   time.Time `json:"first_seen"`
	LastUpdated time.Time `json:"timestamp"`

	TVLMin    decimal.Decimal `json:"tvl_min"`
	TVLMax    decimal.Decimal `json:"tvl_max"`
	VolumeMin decimal.Decimal `json:"volume_min"`
	VolumeMax decimal.Decimal `json:"volume_max"`

	PoolID string `json:"pool_id"`
	Pair   string `json:"pool"`

	Window         []Sample   `json:"window"`
	HourBuckets    [24]Bucket `json:"hour_buckets"`
	WeekdayBuckets [7]Bucket  `json:"weekday_buckets"`

	APRMin             float64 `json:"apr_min"`
	APRMax             float64 `json:"apr_max"`
	TypicalVolumeToTVL float64 `json:"typical_volume_to_tvl"`
	Volatility         float64 `json:"volatility"`
	GasCorrelation     float64 `json:"gas_correlation"`
	APRTrend           float64 `json:"apr_trend"`
	Confidence         float64 `json:"confidence"`

	Observations int  `json:"observations"`
	StablePool   bool `json:"stable"`
}

func newProfile(m domain.PoolMetric) *Profile {
	return &Profile{
		PoolID:     m.PoolID,
		Pair:       m.Pair(),
		StablePool: m.Stable,
		FirstSeen:  m.Timestamp,
	}
}

// update folds one metric into the profile and returns any anomalies
// the sample triggered. Anomalies are judged against the bucket state
// before the sample itself is counted.
func (p *Profile) update(m domain.PoolMetric) []Anomaly {
	anomalies := p.detectAnomalies(m)

	p.updateRanges(m)
	p.insertSample(Sample{
		Timestamp: m.Timestamp,
		APR:       m.APRTotal,
		GasGwei:   m.GasPriceGwei,
		TVLUSD:    m.TVLUSD.InexactFloat64(),
		VolumeUSD: m.Volume24hUSD.InexactFloat64(),
	})

	at := m.Timestamp.UTC()
	p.HourBuckets[at.Hour()].Add(m.APRTotal)
	p.WeekdayBuckets[int(at.Weekday())].Add(m.APRTotal)

	p.recomputeWindowStats()

	gap := time.Duration(0)
	if !p.LastUpdated.IsZero() {
		gap = m.Timestamp.Sub(p.LastUpdated)
	}
	p.Observations++
	p.LastUpdated = m.Timestamp
	p.Confidence = p.confidenceScore(gap, at.Hour())

	return anomalies
}

func (p *Profile) updateRanges(m domain.PoolMetric) {
	if p.Observations == 0 {
		p.APRMin, p.APRMax = m.APRTotal, m.APRTotal
		p.TVLMin, p.TVLMax = m.TVLUSD, m.TVLUSD
		p.VolumeMin, p.VolumeMax = m.Volume24hUSD, m.Volume24hUSD
		return
	}
	if m.APRTotal < p.APRMin {
		p.APRMin = m.APRTotal
	}
	if m.APRTotal > p.APRMax {
		p.APRMax = m.APRTotal
	}
	if m.TVLUSD.LessThan(p.TVLMin) {
		p.TVLMin = m.TVLUSD
	}
	if m.TVLUSD.GreaterThan(p.TVLMax) {
		p.TVLMax = m.TVLUSD
	}
	if m.Volume24hUSD.LessThan(p.VolumeMin) {
		p.VolumeMin = m.Volume24hUSD
	}
	if m.Volume24hUSD.GreaterThan(p.VolumeMax) {
		p.VolumeMax = m.Volume24hUSD
	}
}

// insertSample keeps the window ordered by timestamp and bounded at
// WindowSize, so replaying the same samples in any order converges on
// the same window.
func (p *Profile) insertSample(s Sample) {
	i := sort.Search(len(p.Window), func(i int) bool {
		return p.Window[i].Timestamp.After(s.Timestamp)
	})
	p.Window = append(p.Window, Sample{})
	copy(p.Window[i+1:], p.Window[i:])
	p.Window[i] = s

	if len(p.Window) > WindowSize {
		p.Window = p.Window[len(p.Window)-WindowSize:]
	}
}

func (p *Profile) recomputeWindowStats() {
	aprs := make([]float64, len(p.Window))
	gas := make([]float64, len(p.Window))
	var ratios []float64
	for i, s := range p.Window {
		aprs[i] = s.APR
		gas[i] = s.GasGwei
		if s.TVLUSD > 0 {
			ratios = append(ratios, s.VolumeUSD/s.TVLUSD)
		}
	}

	p.Volatility = 0
	if len(aprs) >= 2 {
		p.Volatility = stat.StdDev(aprs, nil)
	}

	p.GasCorrelation = 0
	if len(aprs) >= minCorrelationSamples {
		r := stat.Correlation(aprs, gas, nil)
		if !math.IsNaN(r) {
			p.GasCorrelation = r
		}
	}

	p.TypicalVolumeToTVL = 0
	if len(ratios) > 0 {
		p.TypicalVolumeToTVL = stat.Mean(ratios, nil)
	}

	p.APRTrend = aprTrend(aprs)
}

// aprTrend is the last value of an EMA over the window APRs, falling
// back to the plain mean until a full period accumulates.
func aprTrend(aprs []float64) float64 {
	if len(aprs) == 0 {
		return 0
	}
	if len(aprs) < aprTrendPeriod {
		return stat.Mean(aprs, nil)
	}
	ema := talib.Ema(aprs, aprTrendPeriod)
	last := ema[len(ema)-1]
	if math.IsNaN(last) {
		return stat.Mean(aprs, nil)
	}
	return last
}

// detectAnomalies compares the incoming APR against its hour bucket and,
// failing that, its weekday bucket. At most one anomaly per sample.
func (p *Profile) detectAnomalies(m domain.PoolMetric) []Anomaly {
	at := m.Timestamp.UTC()

	hour := p.HourBuckets[at.Hour()]
	if a, ok := bucketAnomaly(m, hour, fmt.Sprintf("hour_%02d", at.Hour())); ok {
		return []Anomaly{a}
	}
	weekday := p.WeekdayBuckets[int(at.Weekday())]
	if a, ok := bucketAnomaly(m, weekday, fmt.Sprintf("weekday_%d", int(at.Weekday()))); ok {
		return []Anomaly{a}
	}
	return nil
}

func bucketAnomaly(m domain.PoolMetric, b Bucket, name string) (Anomaly, bool) {
	sigma := b.Stdev()
	if b.Count < bucketMinSamples || sigma == 0 {
		return Anomaly{}, false
	}
	if math.Abs(m.APRTotal-b.Mean) < anomalySigmas*sigma {
		return Anomaly{}, false
	}
	return Anomaly{
		PoolID: m.PoolID,
		Pair:   m.Pair(),
		Bucket: name,
		Metric: "apr",
		Value:  m.APRTotal,
		Mean:   b.Mean,
		Sigma:  sigma,
	}, true
}

// confidenceScore combines observation depth, update recency, and the
// agreement of recent samples with their hour bucket.
func (p *Profile) confidenceScore(gap time.Duration, hour int) float64 {
	obs := math.Min(float64(p.Observations)/fullObservationCount, 1)

	recency := 1 - float64(gap)/float64(recencyHorizon)
	recency = math.Max(0, math.Min(1, recency))

	consistency := p.patternConsistency(hour)

	return 0.4*obs + 0.3*recency + 0.3*consistency
}

// patternConsistency is the fraction of the last consistencySpan window
// samples that fall within one standard deviation of the given hour
// bucket's mean.
func (p *Profile) patternConsistency(hour int) float64 {
	b := p.HourBuckets[hour]
	sigma := b.Stdev()
	if len(p.Window) == 0 {
		return 0
	}

	start := len(p.Window) - consistencySpan
	if start < 0 {
		start = 0
	}
	recent := p.Window[start:]

	within := 0
	for _, s := range recent {
		if math.Abs(s.APR-b.Mean) <= sigma+1e-9 {
			within++
		}
	}
	return float64(within) / float64(len(recent))
}

// WindowMeanAPR is the mean APR over the current window.
func (p *Profile) WindowMeanAPR() float64 {
	if len(p.Window) == 0 {
		return 0
	}
	aprs := make([]float64, len(p.Window))
	for i, s := range p.Window {
		aprs[i] = s.APR
	}
	return stat.Mean(aprs, nil)
}

// BucketAdjustment is the time-of-day correction the rebalancer adds to
// its APR prediction: (hour bucket mean − window mean) + (weekday
// bucket mean − window mean), each term only when its bucket has at
// least bucketMinSamples samples.
func (p *Profile) BucketAdjustment(at time.Time) float64 {
	at = at.UTC()
	windowMean := p.WindowMeanAPR()

	adj := 0.0
	if h := p.HourBuckets[at.Hour()]; h.Count >= bucketMinSamples {
		adj += h.Mean - windowMean
	}
	if w := p.WeekdayBuckets[int(at.Weekday())]; w.Count >= bucketMinSamples {
		adj += w.Mean - windowMean
	}
	return adj
}

// clone deep-copies the profile so callers can hold it without racing
// the store.
func (p *Profile) clone() Profile {
	out := *p
	out.Window = make([]Sample, len(p.Window))
	copy(out.Window, p.Window)
	return out
}
