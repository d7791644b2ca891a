package metricexport

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Variant is the framing strategy of a connector instance, fixed at
// construction.
type Variant int

const (
	// VariantLine emits one newline-terminated record per dimension.
	VariantLine Variant = iota
	// VariantHTTP emits a single JSON array sent as one HTTP body.
	VariantHTTP
)

// Label values longer than this are cut before escaping.
const maxLabelValueLen = 2048

// Instance is one configured export target. It owns its output and
// label buffers; callers must serialize formatting per instance, but
// separate instances may format in parallel.
type Instance struct {
	Name        string
	Prefix      string
	Destination string
	// Hostname of the exporting engine, substituted for the local
	// host's own name.
	Hostname             string
	Source               string
	SendConfiguredLabels bool
	SendAutomaticLabels  bool
	Resolver             ValueResolver

	variant Variant
	buffer  bytes.Buffer
	labels  *bytes.Buffer
	records int
}

// NewInstance validates one instance configuration and sets up its
// buffers. A failed instance must not be used for formatting.
func NewInstance(ic configInstance, engineHostname string, resolver ValueResolver) (*Instance, error) {
	var variant Variant
	switch ic.Type {
	case ConnectorTypeJSON:
		variant = VariantLine
	case ConnectorTypeJSONHTTP:
		variant = VariantHTTP
	default:
		return nil, fmt.Errorf("connector type %s is unsupported", ic.Type)
	}
	inst := &Instance{
		Name:                 ic.Name,
		Prefix:               ic.Prefix,
		Destination:          ic.Destination,
		Hostname:             engineHostname,
		Source:               ic.DataSource,
		SendConfiguredLabels: ic.SendConfiguredLabels,
		SendAutomaticLabels:  ic.SendAutomaticLabels,
		Resolver:             resolver,
		variant:              variant,
	}
	if inst.Source == DataSourceAverage && inst.Resolver == nil {
		return nil, fmt.Errorf("instance %s uses %s but has no resolver", ic.Name, ic.DataSource)
	}
	return inst, nil
}

// Variant returns the framing strategy of the instance.
func (inst *Instance) Variant() Variant {
	return inst.variant
}

// Records returns how many records the current cycle has emitted.
func (inst *Instance) Records() int {
	return inst.records
}

// BeginCycle resets the output buffer for a new export cycle.
func (inst *Instance) BeginCycle() {
	inst.buffer.Reset()
	inst.records = 0
}

// FormatHostLabels renders the host's label fragment into the instance
// label buffer. The caller must hold guard for the full call; the
// formatter never touches the label lock itself. With label sending
// disabled the fragment is left empty.
func (inst *Instance) FormatHostLabels(host *Host, guard *LabelGuard) {
	if inst.labels == nil {
		inst.labels = bytes.NewBuffer(make([]byte, 0, 1024))
	}
	inst.labels.Reset()

	if !inst.sendingLabels() {
		return
	}

	inst.labels.WriteString(`"labels":{`)
	count := 0
	guard.Range(func(l Label) bool {
		if !inst.shouldSendLabel(l) {
			return true
		}
		if count > 0 {
			inst.labels.WriteByte(',')
		}
		inst.labels.WriteByte('"')
		inst.labels.WriteString(jsonEscape(l.Key))
		inst.labels.WriteString(`":"`)
		inst.labels.WriteString(sanitizeJSONString(l.Value, maxLabelValueLen))
		inst.labels.WriteByte('"')
		count++
		return true
	})
	inst.labels.WriteString("},")
}

func (inst *Instance) sendingLabels() bool {
	return inst.SendConfiguredLabels || inst.SendAutomaticLabels
}

func (inst *Instance) shouldSendLabel(l Label) bool {
	if l.Source == LabelSourceAutomatic {
		return inst.SendAutomaticLabels
	}
	return inst.SendConfiguredLabels
}

// FormatDimensionCollected appends one record with the dimension's raw
// last-collected value. It never skips.
func (inst *Instance) FormatDimensionCollected(host *Host, chart *Chart, dim *Dimension) {
	inst.beforeRecord()
	inst.writeRecord(host, chart, dim,
		strconv.FormatInt(dim.LastCollectedValue, 10),
		dim.LastCollectedTime.Unix())
	inst.afterRecord()
}

// FormatDimensionStored appends one record with a value resolved from
// stored history. A NaN from the resolver means there is nothing to
// export for this point and the buffer is left untouched.
func (inst *Instance) FormatDimensionStored(host *Host, chart *Chart, dim *Dimension, now time.Time) {
	value, last := inst.Resolver(dim, now)
	if math.IsNaN(value) {
		return
	}
	inst.beforeRecord()
	inst.writeRecord(host, chart, dim,
		strconv.FormatFloat(value, 'f', 7, 64),
		last.Unix())
	inst.afterRecord()
}

func (inst *Instance) beforeRecord() {
	if inst.variant == VariantHTTP && inst.records > 0 {
		inst.buffer.WriteString(",\n")
	}
}

func (inst *Instance) afterRecord() {
	if inst.variant == VariantLine {
		inst.buffer.WriteByte('\n')
	}
	inst.records++
}

func (inst *Instance) writeRecord(host *Host, chart *Chart, dim *Dimension, value string, ts int64) {
	hostname := host.Hostname
	if host.Localhost && inst.Hostname != "" {
		hostname = inst.Hostname
	}
	tagsPre, tagsPost := hostTags(host.Tags)

	b := &inst.buffer
	b.WriteString(`{"prefix":"`)
	b.WriteString(jsonEscape(inst.Prefix))
	b.WriteString(`","hostname":"`)
	b.WriteString(jsonEscape(hostname))
	b.WriteString(`",`)
	b.WriteString(tagsPre)
	b.WriteString(host.Tags)
	b.WriteString(tagsPost)
	if inst.labels != nil {
		b.Write(inst.labels.Bytes())
	}
	b.WriteString(`"chart_id":"`)
	b.WriteString(jsonEscape(chart.ID))
	b.WriteString(`","chart_name":"`)
	b.WriteString(jsonEscape(chart.Name))
	b.WriteString(`","chart_family":"`)
	b.WriteString(jsonEscape(chart.Family))
	b.WriteString(`","chart_context":"`)
	b.WriteString(jsonEscape(chart.Context))
	b.WriteString(`","chart_type":"`)
	b.WriteString(jsonEscape(chart.Type))
	b.WriteString(`","units":"`)
	b.WriteString(jsonEscape(chart.Units))
	b.WriteString(`","id":"`)
	b.WriteString(jsonEscape(dim.ID))
	b.WriteString(`","name":"`)
	b.WriteString(jsonEscape(dim.Name))
	b.WriteString(`","value":`)
	b.WriteString(value)
	b.WriteString(`,"timestamp":`)
	b.WriteString(strconv.FormatInt(ts, 10))
	b.WriteByte('}')
}

// hostTags classifies a host tag string. Tags whose first byte is '{',
// '[' or '"' are assumed to already be JSON and are spliced verbatim;
// any other non-empty tag is wrapped as an opaque string. The opaque
// case is deliberately not escaped; tags are operator-controlled
// upstream and the wire behavior is kept as is.
func hostTags(tags string) (pre, post string) {
	if tags == "" {
		return "", ""
	}
	switch tags[0] {
	case '{', '[', '"':
		return `"host_tags":`, ","
	default:
		return `"host_tags":"`, `",`
	}
}

// sanitizeJSONString cuts s to max bytes and then escapes it for
// embedding in a JSON string. Control bytes become '_'.
func sanitizeJSONString(s string, max int) string {
	if len(s) > max {
		s = s[:max]
	}
	return jsonEscape(s)
}

func jsonEscape(s string) string {
	if !strings.ContainsAny(s, "\"\\") && !hasControlBytes(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c < 0x20:
			b.WriteByte('_')
		case c == '"' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func hasControlBytes(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 {
			return true
		}
	}
	return false
}
