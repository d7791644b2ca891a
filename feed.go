package metricexport

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fastjson"
)

// Sample is one parsed feed record: a single dimension value with its
// host and chart context.
type Sample struct {
	Hostname     string
	HostTags     string
	Labels       []Label
	ChartID      string
	ChartName    string
	ChartFamily  string
	ChartContext string
	ChartType    string
	Units        string
	ID           string
	Name         string
	Value        int64
	Timestamp    time.Time
}

// ParseSample
// format json, ltsv
func ParseSample(buf []byte, format string) (*Sample, error) {
	var sample *Sample
	var err error
	switch format {
	case FeedFormatJSON:
		sample, err = parseSampleJSON(buf)
	case FeedFormatLTSV:
		sample, err = parseSampleLTSV(buf)
	default:
		return nil, fmt.Errorf("feed format %s is unsupported", format)
	}
	if err != nil {
		return nil, err
	}

	if sample.Hostname == "" || sample.ChartID == "" || sample.ID == "" {
		return nil, fmt.Errorf("sample needs hostname, chart_id and id: %s", string(buf))
	}
	if sample.Name == "" {
		sample.Name = sample.ID
	}
	if sample.ChartName == "" {
		sample.ChartName = sample.ChartID
	}
	return sample, nil
}

func parseSampleJSON(buf []byte) (*Sample, error) {
	var p fastjson.Parser

	v, err := p.ParseBytes(buf)
	if err != nil {
		return nil, err
	}

	sample := &Sample{
		Hostname:     string(v.GetStringBytes("hostname")),
		HostTags:     string(v.GetStringBytes("host_tags")),
		ChartID:      string(v.GetStringBytes("chart_id")),
		ChartName:    string(v.GetStringBytes("chart_name")),
		ChartFamily:  string(v.GetStringBytes("chart_family")),
		ChartContext: string(v.GetStringBytes("chart_context")),
		ChartType:    string(v.GetStringBytes("chart_type")),
		Units:        string(v.GetStringBytes("units")),
		ID:           string(v.GetStringBytes("id")),
		Name:         string(v.GetStringBytes("name")),
		Value:        v.GetInt64("value"),
	}
	if ts := v.GetInt64("timestamp"); ts != 0 {
		sample.Timestamp = time.Unix(ts, 0)
	}
	if o := v.GetObject("labels"); o != nil {
		o.Visit(func(key []byte, lv *fastjson.Value) {
			sample.Labels = append(sample.Labels, Label{
				Key:   string(key),
				Value: string(lv.GetStringBytes()),
			})
		})
	}
	return sample, nil
}

// LTSV feed records carry labels as label_<key> columns.
func parseSampleLTSV(buf []byte) (*Sample, error) {
	var sample Sample
	var err error
	list := bytes.Split(buf, []byte("\t"))
	for _, b := range list {
		s := bytes.SplitN(b, []byte(":"), 2)
		if len(s) < 2 {
			continue
		}
		key := string(s[0])
		value := string(s[1])
		switch key {
		case "hostname":
			sample.Hostname = value
		case "host_tags":
			sample.HostTags = value
		case "chart_id":
			sample.ChartID = value
		case "chart_name":
			sample.ChartName = value
		case "chart_family":
			sample.ChartFamily = value
		case "chart_context":
			sample.ChartContext = value
		case "chart_type":
			sample.ChartType = value
		case "units":
			sample.Units = value
		case "id":
			sample.ID = value
		case "name":
			sample.Name = value
		case "value":
			sample.Value, err = strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, err
			}
		case "timestamp":
			var ts int64
			ts, err = strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, err
			}
			sample.Timestamp = time.Unix(ts, 0)
		default:
			if strings.HasPrefix(key, "label_") {
				sample.Labels = append(sample.Labels, Label{
					Key:   strings.TrimPrefix(key, "label_"),
					Value: value,
				})
			}
		}
	}
	return &sample, nil
}
