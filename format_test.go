package metricexport

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fastjson"
)

func TestMain(m *testing.M) {
	code := m.Run()
	os.Exit(code)
}

const testRecord = `{"prefix":"netdata","hostname":"srv1","chart_id":"cpu","chart_name":"cpu","chart_family":"cpu","chart_context":"system.cpu","chart_type":"line","units":"percentage","id":"user","name":"user","value":425,"timestamp":1690000000}`

func testInstance(t *testing.T, connectorType, dataSource string, resolver ValueResolver) *Instance {
	t.Helper()
	inst, err := NewInstance(configInstance{
		Name:        "test",
		Type:        connectorType,
		Destination: "metrics.example.org",
		Prefix:      "netdata",
		DataSource:  dataSource,
	}, "local.example.org", resolver)
	if err != nil {
		t.Fatalf("NewInstance Error %+v", err)
	}
	return inst
}

func testHost() *Host {
	return &Host{Hostname: "srv1", Labels: &LabelSet{}}
}

func testChart() *Chart {
	return &Chart{
		ID:      "cpu",
		Name:    "cpu",
		Family:  "cpu",
		Context: "system.cpu",
		Type:    "line",
		Units:   "percentage",
	}
}

func testDim() *Dimension {
	return &Dimension{
		ID:                 "user",
		Name:               "user",
		LastCollectedValue: 425,
		LastCollectedTime:  time.Unix(1690000000, 0),
	}
}

func TestFormatDimensionCollectedLine(t *testing.T) {
	inst := testInstance(t, ConnectorTypeJSON, DataSourceAsCollected, nil)
	inst.BeginCycle()
	inst.FormatDimensionCollected(testHost(), testChart(), testDim())

	got := string(inst.TakeBody())
	want := testRecord + "\n"
	if got != want {
		t.Fatalf("record mismatch\ngot:  %s\nwant: %s", got, want)
	}
}

func TestFormatDimensionCollectedNeverSkips(t *testing.T) {
	inst := testInstance(t, ConnectorTypeJSON, DataSourceAsCollected, nil)
	inst.BeginCycle()
	host := testHost()
	chart := testChart()
	for _, v := range []int64{0, -12, 9999999} {
		dim := testDim()
		dim.LastCollectedValue = v
		inst.FormatDimensionCollected(host, chart, dim)
	}
	if inst.Records() != 3 {
		t.Fatalf("Records Error %d", inst.Records())
	}
	body := inst.TakeBody()
	if n := bytes.Count(body, []byte("\n")); n != 3 {
		t.Fatalf("line count Error %d", n)
	}
}

func TestFormatDimensionStoredSkipsUndefined(t *testing.T) {
	nan := func(dim *Dimension, now time.Time) (float64, time.Time) {
		return math.NaN(), time.Time{}
	}
	inst := testInstance(t, ConnectorTypeJSONHTTP, DataSourceAverage, nan)
	inst.BeginCycle()
	inst.OpenBatch()
	before := append([]byte(nil), inst.buffer.Bytes()...)
	inst.FormatDimensionStored(testHost(), testChart(), testDim(), time.Now())
	if !bytes.Equal(before, inst.buffer.Bytes()) {
		t.Fatalf("buffer changed on undefined value: %s", inst.buffer.String())
	}
	if inst.Records() != 0 {
		t.Fatalf("Records Error %d", inst.Records())
	}
}

func TestFormatDimensionStoredValue(t *testing.T) {
	resolver := func(dim *Dimension, now time.Time) (float64, time.Time) {
		return 4.25, time.Unix(1690000123, 0)
	}
	inst := testInstance(t, ConnectorTypeJSON, DataSourceAverage, resolver)
	inst.BeginCycle()
	inst.FormatDimensionStored(testHost(), testChart(), testDim(), time.Now())

	got := string(inst.TakeBody())
	if !strings.Contains(got, `"value":4.2500000,"timestamp":1690000123}`) {
		t.Fatalf("stored record Error %s", got)
	}
}

func TestFormatDimensionStoredSkipKeepsSeparator(t *testing.T) {
	calls := 0
	resolver := func(dim *Dimension, now time.Time) (float64, time.Time) {
		calls++
		if calls == 2 {
			return math.NaN(), time.Time{}
		}
		return 1.5, time.Unix(1690000000, 0)
	}
	inst := testInstance(t, ConnectorTypeJSONHTTP, DataSourceAverage, resolver)
	inst.BeginCycle()
	inst.OpenBatch()
	for i := 0; i < 3; i++ {
		inst.FormatDimensionStored(testHost(), testChart(), testDim(), time.Now())
	}
	if inst.Records() != 2 {
		t.Fatalf("Records Error %d", inst.Records())
	}
	body := inst.CloseBatch()
	if n := bytes.Count(body.Bytes(), []byte(",\n")); n != 1 {
		t.Fatalf("separator count Error %d body=%s", n, body.Bytes())
	}
	if _, err := fastjson.ParseBytes(body.Bytes()); err != nil {
		t.Fatalf("body is not valid JSON: %+v", err)
	}
}

func TestHostTags(t *testing.T) {
	tests := []struct {
		tags string
		pre  string
		post string
	}{
		{"", "", ""},
		{`{"a":1}`, `"host_tags":`, ","},
		{`[1,2]`, `"host_tags":`, ","},
		{`"quoted"`, `"host_tags":`, ","},
		{"dc=tokyo rack=4", `"host_tags":"`, `",`},
	}
	for _, tt := range tests {
		pre, post := hostTags(tt.tags)
		if pre != tt.pre || post != tt.post {
			t.Fatalf("hostTags(%q) = %q %q, want %q %q", tt.tags, pre, post, tt.pre, tt.post)
		}
	}
}

func TestFormatDimensionHostTags(t *testing.T) {
	inst := testInstance(t, ConnectorTypeJSON, DataSourceAsCollected, nil)

	host := testHost()
	host.Tags = `{"region":"ap"}`
	inst.BeginCycle()
	inst.FormatDimensionCollected(host, testChart(), testDim())
	got := string(inst.TakeBody())
	if !strings.Contains(got, `"hostname":"srv1","host_tags":{"region":"ap"},"chart_id"`) {
		t.Fatalf("json tags Error %s", got)
	}

	// opaque tags are spliced unescaped, including embedded quotes
	host.Tags = `dc="east"`
	inst.BeginCycle()
	inst.FormatDimensionCollected(host, testChart(), testDim())
	got = string(inst.TakeBody())
	if !strings.Contains(got, `"host_tags":"dc="east"",`) {
		t.Fatalf("opaque tags Error %s", got)
	}
}

func TestFormatHostLabels(t *testing.T) {
	inst := testInstance(t, ConnectorTypeJSON, DataSourceAsCollected, nil)
	inst.SendConfiguredLabels = true

	host := testHost()
	host.Labels.Set("env", "prod")
	host.Labels.Set("rack", "r4")
	host.Labels.Set("_kernel", "6.1")

	guard := host.Labels.AcquireRead()
	inst.FormatHostLabels(host, guard)
	guard.Release()

	want := `"labels":{"env":"prod","rack":"r4"},`
	if inst.labels.String() != want {
		t.Fatalf("labels Error %s", inst.labels.String())
	}

	inst.SendAutomaticLabels = true
	guard = host.Labels.AcquireRead()
	inst.FormatHostLabels(host, guard)
	guard.Release()
	want = `"labels":{"env":"prod","rack":"r4","_kernel":"6.1"},`
	if inst.labels.String() != want {
		t.Fatalf("labels Error %s", inst.labels.String())
	}
}

func TestFormatHostLabelsDisabled(t *testing.T) {
	inst := testInstance(t, ConnectorTypeJSON, DataSourceAsCollected, nil)

	host := testHost()
	host.Labels.Set("env", "prod")

	guard := host.Labels.AcquireRead()
	inst.FormatHostLabels(host, guard)
	guard.Release()
	if inst.labels.Len() != 0 {
		t.Fatalf("labels should be empty: %s", inst.labels.String())
	}

	inst.BeginCycle()
	inst.FormatDimensionCollected(host, testChart(), testDim())
	if strings.Contains(string(inst.TakeBody()), "labels") {
		t.Fatal("record should not contain labels")
	}
}

func TestFormatDimensionWithLabels(t *testing.T) {
	inst := testInstance(t, ConnectorTypeJSON, DataSourceAsCollected, nil)
	inst.SendConfiguredLabels = true

	host := testHost()
	host.Labels.Set("env", "prod")

	guard := host.Labels.AcquireRead()
	inst.FormatHostLabels(host, guard)
	guard.Release()

	inst.BeginCycle()
	inst.FormatDimensionCollected(host, testChart(), testDim())
	got := string(inst.TakeBody())
	if !strings.Contains(got, `"hostname":"srv1","labels":{"env":"prod"},"chart_id"`) {
		t.Fatalf("record labels Error %s", got)
	}
}

func TestSanitizeJSONString(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{`plain`, 10, `plain`},
		{`say "hi"`, 20, `say \"hi\"`},
		{`back\slash`, 20, `back\\slash`},
		{"tab\there", 20, "tab_here"},
		{"truncated", 5, "trunc"},
	}
	for _, tt := range tests {
		if got := sanitizeJSONString(tt.in, tt.max); got != tt.want {
			t.Fatalf("sanitizeJSONString(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestLocalhostSubstitution(t *testing.T) {
	inst := testInstance(t, ConnectorTypeJSON, DataSourceAsCollected, nil)

	host := testHost()
	host.Localhost = true
	inst.BeginCycle()
	inst.FormatDimensionCollected(host, testChart(), testDim())
	got := string(inst.TakeBody())
	if !strings.Contains(got, `"hostname":"local.example.org",`) {
		t.Fatalf("localhost substitution Error %s", got)
	}
}

func TestArrayBatch(t *testing.T) {
	inst := testInstance(t, ConnectorTypeJSONHTTP, DataSourceAsCollected, nil)
	inst.BeginCycle()
	inst.OpenBatch()
	host := testHost()
	chart := testChart()
	dim := testDim()
	for i := 0; i < 3; i++ {
		inst.FormatDimensionCollected(host, chart, dim)
	}
	body := inst.CloseBatch()

	want := "[\n" + testRecord + ",\n" + testRecord + ",\n" + testRecord + "\n]\n"
	if string(body.Bytes()) != want {
		t.Fatalf("batch mismatch\ngot:  %s\nwant: %s", body.Bytes(), want)
	}

	v, err := fastjson.ParseBytes(body.Bytes())
	if err != nil {
		t.Fatalf("batch is not valid JSON: %+v", err)
	}
	a, err := v.Array()
	if err != nil {
		t.Fatalf("batch is not an array: %+v", err)
	}
	if len(a) != 3 {
		t.Fatalf("array length Error %d", len(a))
	}
}

func TestArrayBatchSingleRecord(t *testing.T) {
	inst := testInstance(t, ConnectorTypeJSONHTTP, DataSourceAsCollected, nil)
	inst.BeginCycle()
	inst.OpenBatch()
	inst.FormatDimensionCollected(testHost(), testChart(), testDim())
	body := inst.CloseBatch()

	want := "[\n" + testRecord + "\n]\n"
	if string(body.Bytes()) != want {
		t.Fatalf("batch mismatch\ngot:  %s\nwant: %s", body.Bytes(), want)
	}
}

func TestPrepareHeader(t *testing.T) {
	inst := testInstance(t, ConnectorTypeJSONHTTP, DataSourceAsCollected, nil)
	inst.BeginCycle()
	inst.OpenBatch()
	inst.FormatDimensionCollected(testHost(), testChart(), testDim())
	body := inst.CloseBatch()

	header := string(PrepareHeader(inst, body))
	want := fmt.Sprintf(
		"POST /api/put HTTP/1.1\r\nHost: metrics.example.org\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n",
		body.Len())
	if header != want {
		t.Fatalf("header mismatch\ngot:  %q\nwant: %q", header, want)
	}
}

func TestNewInstanceErrors(t *testing.T) {
	if _, err := NewInstance(configInstance{Type: "xml"}, "h", nil); err == nil {
		t.Fatal("unknown connector type should fail")
	}
	if _, err := NewInstance(configInstance{Type: ConnectorTypeJSON, DataSource: DataSourceAverage}, "h", nil); err == nil {
		t.Fatal("average without resolver should fail")
	}
}
