package metricexport

import (
	"sync"
	"time"
)

const defaultRetention = 10 * time.Minute

// Host is a monitored system with its tags, labels and charts.
type Host struct {
	Hostname  string
	Tags      string
	Localhost bool
	Labels    *LabelSet

	charts     []*Chart
	chartIndex map[string]*Chart
}

// Charts returns the host's charts in feed order.
func (h *Host) Charts() []*Chart {
	return h.charts
}

// Chart is a named group of dimensions.
type Chart struct {
	ID      string
	Name    string
	Family  string
	Context string
	Type    string
	Units   string

	dims     []*Dimension
	dimIndex map[string]*Dimension
}

// Dimensions returns the chart's dimensions in feed order.
func (c *Chart) Dimensions() []*Dimension {
	return c.dims
}

// Dimension is one time series. It keeps the raw last-collected sample
// and a short history of stored points for calculated data sources.
type Dimension struct {
	ID                 string
	Name               string
	LastCollectedValue int64
	LastCollectedTime  time.Time

	points []StoredPoint
}

// StoredPoint is one historical sample kept for value resolution.
type StoredPoint struct {
	Value float64
	Time  time.Time
}

// Store holds the exported state for all hosts. The feed goroutine
// applies samples under the write lock while export cycles read under
// the read lock.
type Store struct {
	mu            sync.RWMutex
	hosts         []*Host
	hostIndex     map[string]*Host
	localHostname string
	retention     time.Duration
}

// NewStore creates a store. The host whose name equals localHostname is
// marked as the local host; retention bounds the stored point history.
func NewStore(localHostname string, retention time.Duration) *Store {
	if retention == 0 {
		retention = defaultRetention
	}
	return &Store{
		hostIndex:     make(map[string]*Host),
		localHostname: localHostname,
		retention:     retention,
	}
}

// Apply merges one feed sample into the store. A zero sample timestamp
// falls back to now.
func (s *Store) Apply(sample *Sample, now time.Time) {
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	host, ok := s.hostIndex[sample.Hostname]
	if !ok {
		host = &Host{
			Hostname:   sample.Hostname,
			Localhost:  sample.Hostname == s.localHostname,
			Labels:     &LabelSet{},
			chartIndex: make(map[string]*Chart),
		}
		s.hosts = append(s.hosts, host)
		s.hostIndex[sample.Hostname] = host
	}
	if sample.HostTags != "" {
		host.Tags = sample.HostTags
	}
	for _, l := range sample.Labels {
		host.Labels.Set(l.Key, l.Value)
	}

	chart, ok := host.chartIndex[sample.ChartID]
	if !ok {
		chart = &Chart{
			ID:       sample.ChartID,
			dimIndex: make(map[string]*Dimension),
		}
		host.charts = append(host.charts, chart)
		host.chartIndex[sample.ChartID] = chart
	}
	chart.Name = sample.ChartName
	chart.Family = sample.ChartFamily
	chart.Context = sample.ChartContext
	chart.Type = sample.ChartType
	chart.Units = sample.Units

	dim, ok := chart.dimIndex[sample.ID]
	if !ok {
		dim = &Dimension{ID: sample.ID}
		chart.dims = append(chart.dims, dim)
		chart.dimIndex[sample.ID] = dim
	}
	dim.Name = sample.Name
	dim.LastCollectedValue = sample.Value
	dim.LastCollectedTime = ts
	dim.points = append(dim.points, StoredPoint{Value: float64(sample.Value), Time: ts})
	dim.prune(now.Add(-s.retention))
}

func (d *Dimension) prune(before time.Time) {
	keep := 0
	for keep < len(d.points) && !d.points[keep].Time.After(before) {
		keep++
	}
	if keep > 0 {
		d.points = append(d.points[:0], d.points[keep:]...)
	}
}

// Read runs fn with the host list under the read lock. fn must not
// retain the slice past the call.
func (s *Store) Read(fn func(hosts []*Host)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.hosts)
}
