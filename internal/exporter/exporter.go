package exporter

import (
	"context"
	"time"
)

// Metric is one flattened sample for the sample-oriented exporters.
type Metric struct {
	Timestamp time.Time
	Key       string
	Value     any // int64 or float64
}

// Exporter ships flattened samples to a backend.
type Exporter interface {
	Export(ctx context.Context, metrics []*Metric) error
}

// Payload is one ready-to-send connector payload. Header is empty for
// line-oriented connectors; for HTTP-framed connectors it is the raw
// request header matching Body's length.
type Payload struct {
	Header []byte
	Body   []byte
}

// Sender ships pre-serialized payloads to a destination socket.
type Sender interface {
	Send(ctx context.Context, payload *Payload) error
}
