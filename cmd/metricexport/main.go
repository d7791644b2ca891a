package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hnakamur/errstack"
	"github.com/hnakamur/ltsvlog"

	"github.com/masa23/gotail"

	"github.com/masa23/metricexport"
	"github.com/masa23/metricexport/internal/exporter"
	"github.com/masa23/metricexport/internal/exporter/graphite"
	"github.com/masa23/metricexport/internal/exporter/otlpgrpc"
	"github.com/masa23/metricexport/internal/exporter/simple"
)

var conf *metricexport.Config

func main() {
	var configFile string
	var err error
	flag.StringVar(&configFile, "config", "./config.yaml", "config file path")
	flag.Parse()

	conf, err = metricexport.ConfigLoad(configFile)
	if err != nil {
		panic(err)
	}

	// Error Log
	if conf.ErrorLogFile != "" {
		logFile, err := os.OpenFile(conf.ErrorLogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			panic(err)
		}
		defer logFile.Close()
		ltsvlog.Logger = ltsvlog.NewLTSVLogger(logFile, conf.Debug)
	} else {
		ltsvlog.Logger = ltsvlog.NewLTSVLogger(os.Stdout, conf.Debug)
	}
	pid := os.Getpid()
	ltsvlog.Logger.Info().Fmt("msg", "start metricexport pid=%d", pid).Log()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := metricexport.NewStore(conf.Hostname, 2*conf.Report.Window)
	engine, err := metricexport.NewEngine(conf, store)
	if err != nil {
		ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("%s err=%+v", "engine setup error", err)))
		os.Exit(1)
	}

	senders := make(map[string]*simple.SimpleSender)
	for i := range conf.Instances {
		ic := &conf.Instances[i]
		s := simple.NewSimpleSender(&simple.SimpleSenderConfig{
			Name:           ic.Name,
			Host:           ic.Destination,
			Port:           ic.Port,
			Timeout:        ic.Timeout,
			SendBuffer:     ic.SendBuffer,
			MaxRetryCount:  ic.MaxRetryCount,
			RetryWait:      ic.RetryWait,
			ExpectResponse: ic.Type == metricexport.ConnectorTypeJSONHTTP,
		})
		senders[ic.Name] = s
		go s.Start(ctx)
	}

	exporters, err := setupExporters(ctx)
	if err != nil {
		ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("%s err=%+v", "exporter setup error", err)))
		os.Exit(1)
	}

	go readFeed(store)
	go runCycles(ctx, engine, senders, exporters)

	for {
		signalChan := make(chan os.Signal, 1)
		signal.Notify(signalChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

		switch <-signalChan {
		case syscall.SIGHUP:
			// reopen the error log for logrotate
			if conf.ErrorLogFile == "" {
				continue
			}
			newLogFile, err := os.OpenFile(conf.ErrorLogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
			if err != nil {
				ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("%s err=%+v", "log file reopen faild", err)))
				continue
			}
			ltsvlog.Logger = ltsvlog.NewLTSVLogger(newLogFile, conf.Debug)
			ltsvlog.Logger.Info().String("msg", "reload metricexport").Log()
		case syscall.SIGINT, syscall.SIGTERM:
			ltsvlog.Logger.Info().String("msg", "stopping metricexport").Log()
			cancel()
			stopCtx := context.Background()
			for _, s := range senders {
				if err := s.Stop(stopCtx); err != nil {
					ltsvlog.Logger.Err(err)
				}
			}
			for _, e := range exporters {
				if err := e.stop(stopCtx); err != nil {
					ltsvlog.Logger.Err(err)
				}
			}
			return
		}
	}
}

type runningExporter struct {
	exporter.Exporter
	stop func(ctx context.Context) error
}

func setupExporters(ctx context.Context) ([]*runningExporter, error) {
	var exporters []*runningExporter
	if conf.Exporters.Graphite != nil {
		g, err := graphite.NewGraphiteExporter(&graphite.GraphiteExporterConfig{
			Prefix:        conf.Exporters.Graphite.Prefix,
			Host:          conf.Exporters.Graphite.Host,
			Port:          conf.Exporters.Graphite.Port,
			SendBuffer:    conf.Exporters.Graphite.SendBuffer,
			MaxRetryCount: conf.Exporters.Graphite.MaxRetryCount,
			RetryWait:     conf.Exporters.Graphite.RetryWait,
		})
		if err != nil {
			return nil, err
		}
		go g.Start(ctx)
		exporters = append(exporters, &runningExporter{Exporter: g, stop: g.Stop})
	}
	if conf.Exporters.OtlpGrpc != nil {
		tlsConf, err := otlpTLSConfig()
		if err != nil {
			return nil, err
		}
		o, err := otlpgrpc.NewOtlpGrpcExporter(ctx, &otlpgrpc.OtlpGrpcExporterConfig{
			URL:                conf.Exporters.OtlpGrpc.URL,
			TLS:                tlsConf,
			SendBuffer:         conf.Exporters.OtlpGrpc.SendBuffer,
			MaxRetryCount:      conf.Exporters.OtlpGrpc.MaxRetryCount,
			RetryWait:          conf.Exporters.OtlpGrpc.RetryWait,
			ResourceAttributes: conf.Exporters.OtlpGrpc.ResourceAttributes,
		})
		if err != nil {
			return nil, err
		}
		go o.Start(ctx)
		exporters = append(exporters, &runningExporter{Exporter: o, stop: o.Stop})
	}
	return exporters, nil
}

func otlpTLSConfig() (*otlpgrpc.OtlpGrpcExporterConfigTLS, error) {
	c := conf.Exporters.OtlpGrpc.TLS
	if c.Insecure {
		return &otlpgrpc.OtlpGrpcExporterConfigTLS{Insecure: true}, nil
	}
	var caCertPool *x509.CertPool
	if c.CACertificate != "" {
		caPem, err := os.ReadFile(c.CACertificate)
		if err != nil {
			return nil, errstack.WithLV(errstack.Errorf("failed to read otlpgrpc CA Certificate %s err=%+v", c.CACertificate, err))
		}
		caCertPool = x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caPem) {
			return nil, errors.New("failed to load ca certificate")
		}
	}
	var clientCertificate *tls.Certificate
	if c.ClientCertificate != "" && c.ClientCertificateKey != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCertificate, c.ClientCertificateKey)
		if err != nil {
			return nil, errstack.WithLV(errstack.Errorf("failed to LoadX509KeyPair cert=%s key=%s err=%+v",
				c.ClientCertificate, c.ClientCertificateKey, err))
		}
		clientCertificate = &cert
	}
	return &otlpgrpc.OtlpGrpcExporterConfigTLS{
		CACertPool:        caCertPool,
		ClientCertificate: clientCertificate,
	}, nil
}

func runCycles(ctx context.Context, engine *metricexport.Engine, senders map[string]*simple.SimpleSender, exporters []*runningExporter) {
	ltsvlog.Logger.Debug().String("msg", "start runCycles goroutine").Log()
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		now := time.Now()
		target := now.Truncate(conf.Report.Interval)
		d := target.Add(conf.Report.Interval).Sub(now)
		timer.Reset(d)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		cycleTime := time.Now()
		for _, result := range engine.Cycle(cycleTime) {
			if result.Records == 0 {
				continue
			}
			s, ok := senders[result.Instance.Name]
			if !ok {
				continue
			}
			if err := s.Send(ctx, &result.Payload); err != nil {
				ltsvlog.Logger.Err(err)
			}
		}

		if len(exporters) > 0 {
			metrics := engine.Metrics()
			if len(metrics) > 0 {
				for _, e := range exporters {
					if err := e.Export(ctx, metrics); err != nil {
						ltsvlog.Logger.Err(err)
					}
				}
			}
		}
	}
}

func readFeed(store *metricexport.Store) {
	ltsvlog.Logger.Debug().String("msg", "start readFeed goroutine").Log()
	if conf.Feed.BufferSize > 0 {
		gotail.DefaultBufSize = conf.Feed.BufferSize
	}
	tail, err := gotail.Open(conf.Feed.File, conf.Feed.PosFile)
	if err != nil {
		ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("%s feedFile=%s posFile=%s err=%+v", "tail feed faild", conf.Feed.File, conf.Feed.PosFile, err)))
		os.Exit(1)
	}
	tail.InitialReadPositionEnd = false

	for tail.Scan() {
		buf := tail.Bytes()
		ltsvlog.Logger.Debug().Fmt("readfeed", "%s", string(buf)).Log()
		sample, err := metricexport.ParseSample(buf, conf.Feed.Format)
		if err != nil {
			ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("%s err=%+v", "sample parse error", err)))
			continue
		}
		store.Apply(sample, time.Now())
	}

	if err = tail.Err(); err != nil {
		ltsvlog.Logger.Err(errstack.WithLV(errstack.Errorf("%s err=%+v", "tail feed err", err)))
		os.Exit(1)
	}
}
