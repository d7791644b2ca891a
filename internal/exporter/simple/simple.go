package simple

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hnakamur/ltsvlog"
	"github.com/masa23/metricexport/internal/exporter"
	"github.com/valyala/fastjson"
)

// SimpleSender writes pre-serialized payloads to a plain TCP socket.
// Both JSON connector variants use it; the HTTP variant additionally
// expects a response to check.
type SimpleSender struct {
	payloadCh chan *exporter.Payload
	stopCh    chan struct{}
	config    *SimpleSenderConfig
	conn      net.Conn
	isRunning atomic.Bool
}

var _ exporter.Sender = (*SimpleSender)(nil)

type SimpleSenderConfig struct {
	Name           string
	Host           string
	Port           int
	Timeout        time.Duration
	SendBuffer     int
	MaxRetryCount  int
	RetryWait      time.Duration
	ExpectResponse bool
}

func NewSimpleSender(config *SimpleSenderConfig) *SimpleSender {
	s := &SimpleSender{
		payloadCh: make(chan *exporter.Payload, config.SendBuffer),
		stopCh:    make(chan struct{}),
		config:    config,
		isRunning: atomic.Bool{},
	}
	s.isRunning.Store(false)
	return s
}

func (s *SimpleSender) Send(ctx context.Context, payload *exporter.Payload) error {
	s.payloadCh <- payload
	return nil
}

func (s *SimpleSender) Stop(ctx context.Context) error {
	s.stopCh <- struct{}{}
	return nil
}

func (s *SimpleSender) IsRunning() bool {
	return s.isRunning.Load()
}

func (s *SimpleSender) Start(ctx context.Context) {
	ltsvlog.Logger.Debug().Fmt("msg", "Starting SimpleSender goroutine name=%s", s.config.Name).Log()
	s.isRunning.Store(true)
	for {
		select {
		case payload := <-s.payloadCh:
			if err := s.send(payload); err != nil {
				ltsvlog.Logger.Err(err)
			}
		case <-s.stopCh:
			ltsvlog.Logger.Info().Fmt("msg", "sender %s receive stop signal", s.config.Name).Log()
			close(s.payloadCh)
			if len(s.payloadCh) > 0 {
				ltsvlog.Logger.Info().Fmt("msg", "sender %s send remaining payloads", s.config.Name).Log()
				for payload := range s.payloadCh {
					if err := s.send(payload); err != nil {
						ltsvlog.Logger.Err(err)
					}
				}
			}
			s.disconnect()
			s.isRunning.Store(false)
			ltsvlog.Logger.Info().Fmt("msg", "sender %s stopped", s.config.Name).Log()
			return
		}
	}
}

func (s *SimpleSender) send(payload *exporter.Payload) error {
	ltsvlog.Logger.Debug().Fmt("msg", "Sending %d bytes to %s", len(payload.Body), s.config.Host).Log()
	retryCount := 0
	for ; retryCount < s.config.MaxRetryCount; retryCount++ {
		if s.conn == nil || retryCount >= 1 {
			if err := s.connect(); err != nil {
				ltsvlog.Logger.Info().Fmt("msg", "failed to connect %s err=%s", s.config.Host, err.Error()).
					Int("retryCount", retryCount).Log()
				time.Sleep(s.config.RetryWait)
				continue
			}
		}
		if err := s.write(payload); err != nil {
			ltsvlog.Logger.Info().Fmt("msg", "failed to send payload err=%s", err.Error()).
				Int("retryCount", retryCount).Log()
			s.disconnect()
			time.Sleep(s.config.RetryWait)
			continue
		}
		return nil
	}
	return fmt.Errorf("failed to send payload to %s, retry %d", s.config.Host, retryCount)
}

func (s *SimpleSender) connect() error {
	s.disconnect()
	conn, err := net.DialTimeout("tcp",
		net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)), s.config.Timeout)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func (s *SimpleSender) disconnect() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *SimpleSender) write(payload *exporter.Payload) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.config.Timeout)); err != nil {
		return err
	}
	if len(payload.Header) > 0 {
		if _, err := s.conn.Write(payload.Header); err != nil {
			return err
		}
	}
	if _, err := s.conn.Write(payload.Body); err != nil {
		return err
	}
	if s.config.ExpectResponse {
		return s.readResponse()
	}
	return nil
}

func (s *SimpleSender) readResponse() error {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.config.Timeout)); err != nil {
		return err
	}
	buf := make([]byte, 4096)
	n, err := s.conn.Read(buf)
	if err != nil {
		return err
	}
	return checkResponse(buf[:n])
}

// checkResponse inspects an HTTP response. Bodies are discarded unless
// they carry a JSON error member, which some destinations return with
// a 2xx status.
func checkResponse(resp []byte) error {
	line, _, _ := bytes.Cut(resp, []byte("\r\n"))
	fields := bytes.Fields(line)
	if len(fields) < 2 {
		return fmt.Errorf("malformed response status line: %s", string(line))
	}
	code, err := strconv.Atoi(string(fields[1]))
	if err != nil {
		return fmt.Errorf("malformed response status code: %s", string(fields[1]))
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("destination returned status %d", code)
	}

	i := bytes.Index(resp, []byte("\r\n\r\n"))
	if i < 0 {
		return nil
	}
	body := bytes.TrimSpace(resp[i+4:])
	if len(body) == 0 {
		return nil
	}
	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	if err != nil {
		// not JSON, nothing to check
		return nil
	}
	if v.Exists("error") {
		return fmt.Errorf("destination returned error: %s", v.Get("error").String())
	}
	return nil
}
