package sink

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldlink/log2"
	"fieldlink/report"
	"fieldlink/settings"
)

func TestText(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		rep    report.Report
		expect string
	}{
		{"version", &report.VersionInfo{Version: "2.4.1", Build: "a1b2c3"}, "2.4.1+a1b2c3"},
		{"version-no-build", &report.VersionInfo{Version: "2.4.1"}, "2.4.1"},
		{"health",
			&report.Health{Uptime: 85859, RebootCount: 871, Temperature: 28.375, BatteryVoltage: 3408, RSSI: -51},
			"uptime=85859s reboots=871 temp=28.38 battery=3408mV rssi=-51dBm"},
		{"snippet",
			&report.Snippet{StartTime: 1700000000000000000, SampleRate: 2048, Range: 16, Samples: []byte{1, 2, 3, 4}},
			"t=1700000000000000000 rate=2048Hz range=16g bytes=4"},
		{"aggregates",
			&report.Aggregates{StartTime: 5, Duration: 1000, Values: map[uint8]int64{2: -7, 0: 100}},
			"t=5 dur=1000ms 0=100 2=-7"},
		{"settings",
			&report.SettingsReport{Settings: settings.Settings{0: 2048}},
			"base_sample_rate_hz=2048"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, Text(tc.rep))
		})
	}
}

func TestFuncSink(t *testing.T) {
	t.Parallel()
	var gotID string
	var gotKind report.Kind
	s := Func(func(ctx context.Context, nodeID string, r report.Report) error {
		gotID = nodeID
		gotKind = r.Kind()
		return nil
	})
	err := s.Publish(context.Background(), "bench-1", &report.VersionInfo{Version: "1"})
	require.NoError(t, err)
	assert.Equal(t, "bench-1", gotID)
	assert.Equal(t, report.KindVersion, gotKind)
}

func TestLoggerSink(t *testing.T) {
	t.Parallel()
	s := NewLogger(log2.NewTest(t, log2.LDebug))
	err := s.Publish(context.Background(), "bench-1", &report.Health{BatteryVoltage: 3408})
	assert.NoError(t, err)
}

func TestMQTTTopic(t *testing.T) {
	t.Parallel()
	s := &MQTT{prefix: "plant7/node/"}
	assert.Equal(t, "plant7/node/bench-1/health/battery", s.topic("bench-1", "health/battery"))
}

func TestNewMQTTValidation(t *testing.T) {
	t.Parallel()
	_, err := NewMQTT(MQTTConfig{ClientID: "x"}, log2.NewTest(t, log2.LDebug))
	require.Error(t, err)
	assert.True(t, errors.IsNotValid(err))

	_, err = NewMQTT(MQTTConfig{Broker: "tcp://localhost:1883"}, log2.NewTest(t, log2.LDebug))
	require.Error(t, err)
	assert.True(t, errors.IsNotValid(err))
}
