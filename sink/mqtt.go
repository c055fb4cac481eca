package sink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"

	"fieldlink/helpers"
	"fieldlink/log2"
	"fieldlink/report"
)

const (
	DefaultMQTTKeepalive   = 60 * time.Second
	DefaultMQTTPingTimeout = 30 * time.Second
	closeTimeout           = 250 * time.Millisecond
)

type MQTTConfig struct {
	Broker   string // e.g. tcp://broker:1883
	ClientID string
	Username string
	Password string

	KeepaliveSec   int
	PingTimeoutSec int
	StorePath      string // queue messages on disk while offline
}

// MQTT publishes reports to <client_id>/node/<node_id>/... topics.
// Health goes out as per-field text values, version and settings as
// text, snippets and aggregates as the binary record payload. The
// connection is managed in the background; the process may start
// before the broker is reachable.
type MQTT struct {
	log    *log2.Log
	m      mqtt.Client
	prefix string
	online string
}

func NewMQTT(cfg MQTTConfig, log *log2.Log) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, errors.NotValidf("mqtt broker empty")
	}
	if cfg.ClientID == "" {
		return nil, errors.NotValidf("mqtt client_id empty")
	}
	mqtt.CRITICAL = pahoLog{log, log2.LError}
	mqtt.ERROR = pahoLog{log, log2.LError}
	mqtt.WARN = pahoLog{log, log2.LInfo}

	s := &MQTT{
		log:    log,
		prefix: cfg.ClientID + "/node/",
		online: cfg.ClientID + "/online",
	}
	keepalive := helpers.IntSecondDefault(cfg.KeepaliveSec, DefaultMQTTKeepalive)
	opt := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetBinaryWill(s.online, []byte{0x00}, 1, true).
		SetCleanSession(false).
		SetKeepAlive(keepalive).
		SetPingTimeout(helpers.IntSecondDefault(cfg.PingTimeoutSec, DefaultMQTTPingTimeout)).
		SetOrderMatters(false).
		SetResumeSubs(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(keepalive / 2).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)
	if cfg.Username != "" {
		opt = opt.SetCredentialsProvider(func() (string, string) {
			return cfg.Username, cfg.Password
		})
	}
	if cfg.StorePath != "" {
		opt = opt.SetStore(mqtt.NewFileStore(cfg.StorePath))
	}
	s.m = mqtt.NewClient(opt)
	if token := s.m.Connect(); token.Error() != nil {
		return nil, errors.Trace(token.Error())
	}
	return s, nil
}

func (s *MQTT) Publish(ctx context.Context, nodeID string, r report.Report) error {
	switch x := r.(type) {
	case *report.VersionInfo:
		return s.send(ctx, s.topic(nodeID, "version"), []byte(renderVersion(x)))

	case *report.Health:
		if err := s.send(ctx, s.topic(nodeID, "health/battery"), []byte(strconv.Itoa(int(x.BatteryVoltage)))); err != nil {
			return err
		}
		return s.send(ctx, s.topic(nodeID, "health/temperature"),
			[]byte(strconv.FormatFloat(x.Temperature, 'g', -1, 64)))

	case *report.Snippet:
		b, err := x.MarshalBinary()
		if err != nil {
			return errors.Trace(err)
		}
		return s.send(ctx, s.topic(nodeID, "snippet"), b)

	case *report.Aggregates:
		b, err := x.MarshalBinary()
		if err != nil {
			return errors.Trace(err)
		}
		return s.send(ctx, s.topic(nodeID, "aggregates"), b)

	case *report.SettingsReport:
		return s.send(ctx, s.topic(nodeID, "settings"), []byte(x.Settings.String()))
	}
	return errors.Errorf("mqtt sink: unknown report %s", r.Kind().String())
}

// Close announces a clean offline and disconnects.
func (s *MQTT) Close() {
	s.m.Publish(s.online, 1, true, []byte{0x00}).WaitTimeout(closeTimeout)
	s.m.Disconnect(uint(closeTimeout / time.Millisecond))
}

func (s *MQTT) topic(nodeID, suffix string) string {
	return s.prefix + nodeID + "/" + suffix
}

func (s *MQTT) send(ctx context.Context, topic string, payload []byte) error {
	token := s.m.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
		return errors.Annotatef(token.Error(), "mqtt publish %s", topic)
	case <-ctx.Done():
		return errors.Annotatef(ctx.Err(), "mqtt publish %s", topic)
	}
}

func (s *MQTT) onConnect(c mqtt.Client) {
	s.log.Infof("mqtt connected")
	c.Publish(s.online, 1, true, []byte{0x01})
}

func (s *MQTT) onConnectionLost(c mqtt.Client, err error) {
	s.log.Infof("mqtt connection lost: %v", err)
}

// pahoLog adapts log2 to the paho logger interface.
type pahoLog struct {
	log   *log2.Log
	level log2.Level
}

func (p pahoLog) Println(v ...interface{})               { p.log.Log(p.level, fmt.Sprint(v...)) }
func (p pahoLog) Printf(format string, v ...interface{}) { p.log.Logf(p.level, format, v...) }
