package ptp

import (
	"context"

	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Measurement is the four-timestamp datum a completed sync/delay
// exchange produces: the master's sync transmit/receive pair (t1,t2)
// and the slave's delay-request transmit/receive pair (t3,t4), plus
// the transparent-clock correction field accumulated along each path.
type Measurement struct {
	T1, T2, T3, T4                     Time
	Correction1, Correction2           Correction
	Correction3, Correction4           Correction
	havePath1, havePath2               bool // t1+corr1 and t2+corr2 captured
	havePath3, havePath4               bool // t3+corr3 and t4+corr4 captured
}

// Complete reports whether all four timestamps have been captured.
func (m *Measurement) Complete() bool {
	return m.havePath1 && m.havePath2 && m.havePath3 && m.havePath4
}

// MeanPathDelay returns the estimated one-way propagation delay, in
// sub-nanosecond units, once Complete.
func (m *Measurement) MeanPathDelay() int64 {
	msOffset := m.T2.Sub(m.T1) - m.Correction1.ToSubns() - m.Correction2.ToSubns()
	smOffset := m.T4.Sub(m.T3) - m.Correction3.ToSubns() - m.Correction4.ToSubns()
	return (msOffset + smOffset) / 2
}

// OffsetFromMaster returns the slave clock's estimated offset from the
// master, in sub-nanosecond units, once Complete.
func (m *Measurement) OffsetFromMaster() int64 {
	msOffset := m.T2.Sub(m.T1) - m.Correction1.ToSubns() - m.Correction2.ToSubns()
	smOffset := m.T4.Sub(m.T3) - m.Correction3.ToSubns() - m.Correction4.ToSubns()
	return (msOffset - smOffset) / 2
}

// cacheKey identifies one in-flight measurement by the sequence id
// the SYNC/FOLLOW_UP/DELAY_REQ/DELAY_RESP exchange shares. A single
// client only ever has one master (or, in MASTER mode, answers one
// slave's delay requests at a time per sequence id), so the sequence
// id alone disambiguates in-flight exchanges without also tracking
// port identities.
type cacheKey struct {
	Seq uint16
}

// measurementMetrics tracks cache behavior for observability.
type measurementMetrics struct {
	misses     prometheus.Counter
	completed  prometheus.Counter
}

func newMeasurementMetrics(label string) *measurementMetrics {
	return &measurementMetrics{
		misses: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "satcat5_ptp_cache_misses_total",
			Help:        "PTP measurements evicted before completion (capacity overflow or unmatched FOLLOW_UP/DELAY_RESP).",
			ConstLabels: prometheus.Labels{"client": label},
		}),
		completed: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "satcat5_ptp_measurements_completed_total",
			Help:        "PTP measurements that captured all four timestamps.",
			ConstLabels: prometheus.Labels{"client": label},
		}),
	}
}

// measurementCache is a small capacity-bounded, insertion-ordered
// cache of in-flight measurements, keyed by sequence id alone (port
// identity is not part of the key; see cacheKey). When full, the
// least-recently-touched entry is evicted to make room — counted as a
// cache miss, matching the "oldest unfinished entry evicted" rule.
type measurementCache struct {
	cache   *ttlcache.Cache[cacheKey, *Measurement]
	metrics *measurementMetrics
}

// defaultCacheCapacity keeps the ring small while still covering
// several in-flight sync/delay exchanges at once.
const defaultCacheCapacity = 8

func newMeasurementCache(label string) *measurementCache {
	metrics := newMeasurementMetrics(label)
	cache := ttlcache.New[cacheKey, *Measurement](
		ttlcache.WithCapacity[cacheKey, *Measurement](defaultCacheCapacity),
		ttlcache.WithDisableTouchOnHit[cacheKey, *Measurement](),
	)
	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[cacheKey, *Measurement]) {
		if reason == ttlcache.EvictionReasonCapacityReached && !item.Value().Complete() {
			metrics.misses.Inc()
		}
	})
	return &measurementCache{cache: cache, metrics: metrics}
}

// entry returns the measurement for key, creating an empty one if
// none exists yet.
func (c *measurementCache) entry(key cacheKey) *Measurement {
	item := c.cache.Get(key)
	if item != nil {
		return item.Value()
	}
	m := &Measurement{}
	c.cache.Set(key, m, ttlcache.NoTTL)
	return m
}

// lookup returns the measurement for key without creating one,
// reporting whether it was found (an "Unmatched SeqID" miss if not).
func (c *measurementCache) lookup(key cacheKey) (*Measurement, bool) {
	item := c.cache.Get(key)
	if item == nil {
		c.metrics.misses.Inc()
		return nil, false
	}
	return item.Value(), true
}

// complete removes key from the cache (the exchange finished) and
// counts it.
func (c *measurementCache) complete(key cacheKey) {
	c.metrics.completed.Inc()
	c.cache.Delete(key)
}

func (c *measurementCache) len() int { return c.cache.Len() }
