// Package report decodes the binary telemetry records emitted by sensor
// nodes: health, sample snippets, aggregated values, active settings and
// firmware version. All multi-byte integers on the wire are
// little-endian, node native order.
package report

import (
	"fmt"

	"github.com/juju/errors"

	"fieldlink/settings"
)

// Kind is the record discriminator, the leading byte of a reassembled
// report record.
type Kind uint8

const (
	KindSnippet    Kind = 2
	KindAggregates Kind = 3
	KindHealth     Kind = 4
	KindSettings   Kind = 5
	KindVersion    Kind = 6
)

func (k Kind) String() string {
	switch k {
	case KindSnippet:
		return "snippet"
	case KindAggregates:
		return "aggregates"
	case KindHealth:
		return "health"
	case KindSettings:
		return "settings"
	case KindVersion:
		return "version"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Report is the decoded form of one record.
type Report interface {
	Kind() Kind
}

type VersionInfo struct {
	Version string
	Build   string
}

type SettingsReport struct {
	Settings settings.Settings
}

// Health is periodic node self-diagnostic telemetry. Exactly 24 bytes
// on the wire.
type Health struct {
	Uptime         int32   // seconds
	RebootCount    uint16  //
	ResetCause     uint8   // firmware reset cause code
	Temperature    float64 // °C, wire s8.8 fixed point (1/256 °C)
	BatteryVoltage uint16  // mV
	RSSI           int8    // dBm
	EhVoltage      uint16  // mV, energy harvesting input
	ClockSyncSkew  float32 // ratio, ≈1.0
	ClockSyncAge   uint16  // reports since last sync
	ClockSyncDiff  int32   // ticks
}

// Snippet is a timestamped burst of raw samples. Samples stay opaque
// here; see DecodeSamples for the consumer-level layout.
type Snippet struct {
	StartTime  int64 // ns since epoch
	SampleRate uint16
	Range      uint8 // ±g full scale
	Samples    []byte
}

type Aggregates struct {
	StartTime int64  // ns since epoch
	Duration  uint32 // ms
	Values    map[uint8]int64
}

func (*VersionInfo) Kind() Kind    { return KindVersion }
func (*SettingsReport) Kind() Kind { return KindSettings }
func (*Health) Kind() Kind         { return KindHealth }
func (*Snippet) Kind() Kind        { return KindSnippet }
func (*Aggregates) Kind() Kind     { return KindAggregates }

// DecodeError marks a malformed record payload. No partial decode: a
// payload that fails length or range checks yields no Report.
type DecodeError struct {
	RKind Kind
	Msg   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.RKind.String(), e.Msg)
}

func IsDecodeError(err error) bool {
	_, ok := errors.Cause(err).(*DecodeError)
	return ok
}

func decodeErrorf(kind Kind, format string, args ...interface{}) error {
	return &DecodeError{RKind: kind, Msg: fmt.Sprintf(format, args...)}
}
