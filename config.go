package metricexport

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Connector type
const (
	ConnectorTypeJSON     = "json"
	ConnectorTypeJSONHTTP = "json:http"
)

// Data source
const (
	DataSourceAsCollected = "as-collected"
	DataSourceAverage     = "average"
)

// Feed format
const (
	FeedFormatJSON = "json"
	FeedFormatLTSV = "ltsv"
)

// Config is confiure struct
type Config struct {
	Hostname     string           `yaml:"Hostname"`
	ErrorLogFile string           `yaml:"ErrorLogFile"`
	Debug        bool             `yaml:"Debug"`
	Feed         configFeed       `yaml:"Feed"`
	Report       configReport     `yaml:"Report"`
	Instances    []configInstance `yaml:"Instances"`
	Exporters    configExporters  `yaml:"Exporters"`
}

type configFeed struct {
	File       string `yaml:"File"`
	PosFile    string `yaml:"PosFile"`
	Format     string `yaml:"Format"`
	BufferSize int    `yaml:"BufferSize"`
}

type configReport struct {
	Interval time.Duration `yaml:"Interval"`
	Window   time.Duration `yaml:"Window"`
}

type configInstance struct {
	Name                 string        `yaml:"Name"`
	Type                 string        `yaml:"Type"`
	Destination          string        `yaml:"Destination"`
	Port                 int           `yaml:"Port"`
	Prefix               string        `yaml:"Prefix"`
	DataSource           string        `yaml:"DataSource"`
	SendConfiguredLabels bool          `yaml:"SendConfiguredLabels"`
	SendAutomaticLabels  bool          `yaml:"SendAutomaticLabels"`
	SendBuffer           int           `yaml:"SendBuffer"`
	Timeout              time.Duration `yaml:"Timeout"`
	MaxRetryCount        int           `yaml:"MaxRetryCount"`
	RetryWait            time.Duration `yaml:"RetryWait"`
}

type configExporters struct {
	Graphite *configGraphite `yaml:"Graphite"`
	OtlpGrpc *configOtlpGrpc `yaml:"OtlpGrpc"`
}

type configGraphite struct {
	Host          string        `yaml:"Host"`
	Port          int           `yaml:"Port"`
	Prefix        string        `yaml:"Prefix"`
	SendBuffer    int           `yaml:"SendBuffer"`
	MaxRetryCount int           `yaml:"MaxRetryCount"`
	RetryWait     time.Duration `yaml:"RetryWait"`
}

type configOtlpGrpc struct {
	URL                string            `yaml:"URL"`
	SendBuffer         int               `yaml:"SendBuffer"`
	MaxRetryCount      int               `yaml:"MaxRetryCount"`
	RetryWait          time.Duration     `yaml:"RetryWait"`
	TLS                configOtlpTLS     `yaml:"TLS"`
	ResourceAttributes map[string]string `yaml:"ResourceAttributes"`
}

type configOtlpTLS struct {
	Insecure             bool   `yaml:"Insecure"`
	CACertificate        string `yaml:"CACertificate"`
	ClientCertificate    string `yaml:"ClientCertificate"`
	ClientCertificateKey string `yaml:"ClientCertificateKey"`
}

// ConfigLoad is loading yaml config
func ConfigLoad(file string) (*Config, error) {
	var conf Config
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(buf, &conf)
	if err != nil {
		return nil, err
	}

	if conf.Hostname == "" {
		conf.Hostname, err = os.Hostname()
		if err != nil {
			return nil, err
		}
	}
	if conf.Feed.Format == "" {
		conf.Feed.Format = FeedFormatJSON
	}
	if !isValidFeedFormat(conf.Feed.Format) {
		return nil, fmt.Errorf("feed format %s is unsupported", conf.Feed.Format)
	}
	if conf.Report.Interval == 0 {
		conf.Report.Interval = 10 * time.Second
	}
	if conf.Report.Window == 0 {
		conf.Report.Window = conf.Report.Interval
	}

	for i := range conf.Instances {
		confInstanceDefaults(&conf.Instances[i], i)
		if !isValidConnectorType(conf.Instances[i].Type) {
			return nil, fmt.Errorf("connector type %s is unsupported", conf.Instances[i].Type)
		}
		if !isValidDataSource(conf.Instances[i].DataSource) {
			return nil, fmt.Errorf("data source %s is unsupported", conf.Instances[i].DataSource)
		}
		if conf.Instances[i].Destination == "" {
			return nil, fmt.Errorf("instance %s has no destination", conf.Instances[i].Name)
		}
	}
	return &conf, nil
}

func confInstanceDefaults(ic *configInstance, n int) {
	if ic.Name == "" {
		ic.Name = fmt.Sprintf("instance%d", n)
	}
	if ic.Type == "" {
		ic.Type = ConnectorTypeJSON
	}
	if ic.Port == 0 {
		ic.Port = 5448
	}
	if ic.Prefix == "" {
		ic.Prefix = "netdata"
	}
	if ic.DataSource == "" {
		ic.DataSource = DataSourceAsCollected
	}
	if ic.SendBuffer == 0 {
		ic.SendBuffer = 10
	}
	if ic.Timeout == 0 {
		ic.Timeout = 5 * time.Second
	}
	if ic.MaxRetryCount == 0 {
		ic.MaxRetryCount = 3
	}
	if ic.RetryWait == 0 {
		ic.RetryWait = time.Second
	}
}

func isValidConnectorType(str string) bool {
	if str == ConnectorTypeJSON || str == ConnectorTypeJSONHTTP {
		return true
	}
	return false
}

func isValidDataSource(str string) bool {
	if str == DataSourceAsCollected || str == DataSourceAverage {
		return true
	}
	return false
}

func isValidFeedFormat(str string) bool {
	if str == FeedFormatJSON || str == FeedFormatLTSV {
		return true
	}
	return false
}
