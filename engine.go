package metricexport

import (
	"fmt"
	"time"

	"github.com/masa23/metricexport/internal/exporter"
)

// Engine drives export cycles over the store for every configured
// connector instance. Formatting for one instance is single-threaded;
// instances format independently of each other.
type Engine struct {
	hostname  string
	store     *Store
	instances []*Instance
}

// NewEngine builds the connector instances from the config.
func NewEngine(conf *Config, store *Store) (*Engine, error) {
	e := &Engine{
		hostname: conf.Hostname,
		store:    store,
	}
	for _, ic := range conf.Instances {
		var resolver ValueResolver
		if ic.DataSource == DataSourceAverage {
			resolver = AverageResolver(conf.Report.Window)
		}
		inst, err := NewInstance(ic, conf.Hostname, resolver)
		if err != nil {
			return nil, fmt.Errorf("instance %s: %w", ic.Name, err)
		}
		e.instances = append(e.instances, inst)
	}
	return e, nil
}

// Instances returns the configured connector instances.
func (e *Engine) Instances() []*Instance {
	return e.instances
}

// CycleResult is one instance's output for one export cycle.
type CycleResult struct {
	Instance *Instance
	Payload  exporter.Payload
	Records  int
}

// Cycle formats the current store contents for every instance and
// returns the per-instance payloads.
func (e *Engine) Cycle(now time.Time) []CycleResult {
	results := make([]CycleResult, 0, len(e.instances))
	e.store.Read(func(hosts []*Host) {
		for _, inst := range e.instances {
			results = append(results, cycleInstance(inst, hosts, now))
		}
	})
	return results
}

func cycleInstance(inst *Instance, hosts []*Host, now time.Time) CycleResult {
	inst.BeginCycle()
	if inst.Variant() == VariantHTTP {
		inst.OpenBatch()
	}

	for _, host := range hosts {
		guard := host.Labels.AcquireRead()
		inst.FormatHostLabels(host, guard)
		guard.Release()

		for _, chart := range host.Charts() {
			for _, dim := range chart.Dimensions() {
				if inst.Source == DataSourceAverage {
					inst.FormatDimensionStored(host, chart, dim, now)
				} else {
					inst.FormatDimensionCollected(host, chart, dim)
				}
			}
		}
	}

	records := inst.Records()
	var payload exporter.Payload
	if inst.Variant() == VariantHTTP {
		body := inst.CloseBatch()
		payload = exporter.Payload{
			Header: PrepareHeader(inst, body),
			Body:   body.Bytes(),
		}
	} else {
		payload = exporter.Payload{Body: inst.TakeBody()}
	}
	return CycleResult{Instance: inst, Payload: payload, Records: records}
}

// Metrics flattens the store into samples for the sample-oriented
// exporters (graphite, otlpgrpc). Keys are hostname.chart.dimension.
func (e *Engine) Metrics() []*exporter.Metric {
	var out []*exporter.Metric
	e.store.Read(func(hosts []*Host) {
		for _, host := range hosts {
			hostname := host.Hostname
			if host.Localhost && e.hostname != "" {
				hostname = e.hostname
			}
			for _, chart := range host.Charts() {
				for _, dim := range chart.Dimensions() {
					out = append(out, &exporter.Metric{
						Timestamp: dim.LastCollectedTime,
						Key:       fmt.Sprintf("%s.%s.%s", hostname, chart.ID, dim.ID),
						Value:     dim.LastCollectedValue,
					})
				}
			}
		}
	})
	return out
}
