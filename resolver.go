package metricexport

import (
	"math"
	"time"
)

// ValueResolver derives an export value for a dimension from stored
// history. Returning NaN means there is no data for this point and the
// record is skipped.
type ValueResolver func(dim *Dimension, now time.Time) (float64, time.Time)

// AverageResolver averages the stored points inside the window ending
// at now. The returned timestamp is the time of the newest point used.
func AverageResolver(window time.Duration) ValueResolver {
	return func(dim *Dimension, now time.Time) (float64, time.Time) {
		from := now.Add(-window)
		var sum float64
		var count int
		var last time.Time
		for _, p := range dim.points {
			if !p.Time.After(from) || p.Time.After(now) {
				continue
			}
			sum += p.Value
			count++
			if p.Time.After(last) {
				last = p.Time
			}
		}
		if count == 0 {
			return math.NaN(), time.Time{}
		}
		return sum / float64(count), last
	}
}
