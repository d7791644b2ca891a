package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"golang.org/x/time/rate"
)

type OutputFormat string

const (
	OutputFormatLTSV OutputFormat = "ltsv"
	OutputFormatJSON OutputFormat = "json"
)

func main() {
	path := flag.String("path", "metrics.feed", "output file path")
	format := flag.String("format", "json", "format ltsv or json")
	duration := flag.String("duration", "1m", "duration")
	samplesPerSec := flag.Int("samples-per-sec", 100, "sample count per second")
	hostname := flag.String("hostname", "srv1", "sample hostname")
	append := flag.Bool("append", false, "append to the feed")
	flag.Parse()

	var outputFormat OutputFormat
	switch *format {
	case string(OutputFormatLTSV):
		outputFormat = OutputFormatLTSV
	case string(OutputFormatJSON):
		outputFormat = OutputFormatJSON
	default:
		log.Fatal("invalid format", format)
	}

	d, err := time.ParseDuration(*duration)
	if err != nil {
		log.Fatal(err)
	}

	if err := run(*path, outputFormat, d, *samplesPerSec, *hostname, *append); err != nil {
		log.Fatal(err)
	}
}

func run(path string, format OutputFormat, duration time.Duration, samplesPerSec int, hostname string, append bool) error {
	var f *os.File
	var err error
	if append {
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, os.ModePerm)
	} else {
		f, err = os.Create(path)
	}
	if err != nil {
		return err
	}
	defer f.Close()

	limiter := rate.NewLimiter(rate.Limit(samplesPerSec), 1)
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	for {
		if err := limiter.Wait(ctx); err != nil {
			if _, ok := ctx.Deadline(); ok {
				return nil
			}
			return err
		}
		s := newSample(hostname)
		switch format {
		case OutputFormatLTSV:
			if _, err := f.Write(s.LTSV()); err != nil {
				return err
			}
		case OutputFormatJSON:
			if _, err := f.Write(s.JSON()); err != nil {
				return err
			}
		}
	}
}

type Sample struct {
	Hostname     string `json:"hostname"`
	ChartID      string `json:"chart_id"`
	ChartName    string `json:"chart_name"`
	ChartFamily  string `json:"chart_family"`
	ChartContext string `json:"chart_context"`
	ChartType    string `json:"chart_type"`
	Units        string `json:"units"`
	ID           string `json:"id"`
	Name         string `json:"name"`
	Value        int64  `json:"value"`
	Timestamp    int64  `json:"timestamp"`
}

var charts = []struct {
	id      string
	family  string
	context string
	units   string
	dims    []string
}{
	{"cpu", "cpu", "system.cpu", "percentage", []string{"user", "system", "idle", "iowait"}},
	{"ram", "ram", "system.ram", "MiB", []string{"used", "free", "cached", "buffers"}},
	{"net", "network", "system.net", "kilobits/s", []string{"received", "sent"}},
	{"disk", "disk", "system.io", "KiB/s", []string{"reads", "writes"}},
}

func newSample(hostname string) *Sample {
	chart := charts[rand.Intn(len(charts))]
	dim := chart.dims[rand.Intn(len(chart.dims))]

	return &Sample{
		Hostname:     hostname,
		ChartID:      chart.id,
		ChartName:    chart.id,
		ChartFamily:  chart.family,
		ChartContext: chart.context,
		ChartType:    "line",
		Units:        chart.units,
		ID:           dim,
		Name:         dim,
		Value:        int64(rand.Intn(10000)),
		Timestamp:    time.Now().Unix(),
	}
}

func (s *Sample) JSON() []byte {
	b, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return append(b, '\n')
}

func (s *Sample) LTSV() []byte {
	return []byte(fmt.Sprintf("hostname:%s\tchart_id:%s\tchart_name:%s\tchart_family:%s\tchart_context:%s\tchart_type:%s\tunits:%s\tid:%s\tname:%s\tvalue:%d\ttimestamp:%d\n",
		s.Hostname,
		s.ChartID,
		s.ChartName,
		s.ChartFamily,
		s.ChartContext,
		s.ChartType,
		s.Units,
		s.ID,
		s.Name,
		s.Value,
		s.Timestamp,
	))
}
