package metricexport

import (
	"testing"
	"time"
)

func testSample(ts time.Time) *Sample {
	return &Sample{
		Hostname:     "srv1",
		ChartID:      "cpu",
		ChartName:    "cpu",
		ChartFamily:  "cpu",
		ChartContext: "system.cpu",
		ChartType:    "line",
		Units:        "percentage",
		ID:           "user",
		Name:         "user",
		Value:        425,
		Timestamp:    ts,
	}
}

func TestStoreApply(t *testing.T) {
	now := time.Unix(1690000000, 0)
	s := NewStore("srv1", time.Minute)
	s.Apply(testSample(now), now)

	s.Read(func(hosts []*Host) {
		if len(hosts) != 1 {
			t.Fatalf("host count Error %d", len(hosts))
		}
		host := hosts[0]
		if !host.Localhost {
			t.Fatal("srv1 should be the local host")
		}
		if len(host.Charts()) != 1 {
			t.Fatalf("chart count Error %d", len(host.Charts()))
		}
		chart := host.Charts()[0]
		if chart.Context != "system.cpu" || chart.Units != "percentage" {
			t.Fatalf("chart Error %+v", chart)
		}
		dims := chart.Dimensions()
		if len(dims) != 1 {
			t.Fatalf("dimension count Error %d", len(dims))
		}
		if dims[0].LastCollectedValue != 425 || !dims[0].LastCollectedTime.Equal(now) {
			t.Fatalf("dimension Error %+v", dims[0])
		}
	})
}

func TestStoreApplyUpdate(t *testing.T) {
	now := time.Unix(1690000000, 0)
	s := NewStore("other", time.Minute)
	s.Apply(testSample(now), now)

	sample := testSample(now.Add(10 * time.Second))
	sample.Value = 17
	s.Apply(sample, now.Add(10*time.Second))

	s.Read(func(hosts []*Host) {
		if hosts[0].Localhost {
			t.Fatal("srv1 should not be the local host")
		}
		dim := hosts[0].Charts()[0].Dimensions()[0]
		if dim.LastCollectedValue != 17 {
			t.Fatalf("value Error %d", dim.LastCollectedValue)
		}
		if len(dim.points) != 2 {
			t.Fatalf("point count Error %d", len(dim.points))
		}
	})
}

func TestStorePrune(t *testing.T) {
	now := time.Unix(1690000000, 0)
	s := NewStore("srv1", time.Minute)
	s.Apply(testSample(now), now)

	later := now.Add(10 * time.Minute)
	s.Apply(testSample(later), later)

	s.Read(func(hosts []*Host) {
		dim := hosts[0].Charts()[0].Dimensions()[0]
		if len(dim.points) != 1 {
			t.Fatalf("point count Error %d", len(dim.points))
		}
		if !dim.points[0].Time.Equal(later) {
			t.Fatalf("old point kept %+v", dim.points[0])
		}
	})
}

func TestStoreLabelsAndTags(t *testing.T) {
	now := time.Unix(1690000000, 0)
	s := NewStore("srv1", time.Minute)
	sample := testSample(now)
	sample.HostTags = `{"region":"ap"}`
	sample.Labels = []Label{{Key: "env", Value: "prod"}, {Key: "_os", Value: "linux"}}
	s.Apply(sample, now)

	s.Read(func(hosts []*Host) {
		host := hosts[0]
		if host.Tags != `{"region":"ap"}` {
			t.Fatalf("tags Error %s", host.Tags)
		}
		if host.Labels.Len() != 2 {
			t.Fatalf("label count Error %d", host.Labels.Len())
		}
	})
}
