package report

import (
	"encoding/binary"
	"math"
	"sort"
	"unicode/utf8"

	"github.com/juju/errors"

	"fieldlink/settings"
)

const healthSize = 24

// DecodeRecord splits the kind discriminator off a reassembled record
// and decodes the payload.
func DecodeRecord(record []byte) (Report, error) {
	if len(record) == 0 {
		return nil, decodeErrorf(0, "record empty")
	}
	return Decode(Kind(record[0]), record[1:])
}

// EncodeRecord is the inverse of DecodeRecord.
func EncodeRecord(r Report) ([]byte, error) {
	m, ok := r.(interface{ MarshalBinary() ([]byte, error) })
	if !ok {
		return nil, errors.Errorf("report %s not encodable", r.Kind())
	}
	payload, err := m.MarshalBinary()
	if err != nil {
		return nil, errors.Trace(err)
	}
	record := make([]byte, 1+len(payload))
	record[0] = byte(r.Kind())
	copy(record[1:], payload)
	return record, nil
}

func Decode(kind Kind, payload []byte) (Report, error) {
	var r Report
	var err error
	switch kind {
	case KindSnippet:
		x := new(Snippet)
		r, err = x, x.UnmarshalBinary(payload)
	case KindAggregates:
		x := new(Aggregates)
		r, err = x, x.UnmarshalBinary(payload)
	case KindHealth:
		x := new(Health)
		r, err = x, x.UnmarshalBinary(payload)
	case KindSettings:
		x := new(SettingsReport)
		r, err = x, x.UnmarshalBinary(payload)
	case KindVersion:
		x := new(VersionInfo)
		r, err = x, x.UnmarshalBinary(payload)
	default:
		return nil, decodeErrorf(kind, "unknown kind")
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return r, nil
}

func (h *Health) UnmarshalBinary(b []byte) error {
	if len(b) != healthSize {
		return decodeErrorf(KindHealth, "payload length %d want %d", len(b), healthSize)
	}
	h.Uptime = int32(binary.LittleEndian.Uint32(b[0:]))
	h.RebootCount = binary.LittleEndian.Uint16(b[4:])
	h.ResetCause = b[6]
	h.Temperature = float64(int16(binary.LittleEndian.Uint16(b[7:]))) / 256
	h.BatteryVoltage = binary.LittleEndian.Uint16(b[9:])
	h.RSSI = int8(b[11])
	h.EhVoltage = binary.LittleEndian.Uint16(b[12:])
	h.ClockSyncSkew = math.Float32frombits(binary.LittleEndian.Uint32(b[14:]))
	h.ClockSyncAge = binary.LittleEndian.Uint16(b[18:])
	h.ClockSyncDiff = int32(binary.LittleEndian.Uint32(b[20:]))
	if h.Uptime < 0 {
		return decodeErrorf(KindHealth, "uptime %d negative", h.Uptime)
	}
	skew := float64(h.ClockSyncSkew)
	if math.IsNaN(skew) || math.IsInf(skew, 0) || skew <= 0 {
		return decodeErrorf(KindHealth, "clock_sync_skew %v not positive finite", h.ClockSyncSkew)
	}
	return nil
}

func (h *Health) MarshalBinary() ([]byte, error) {
	t256 := math.Round(h.Temperature * 256)
	if t256 > math.MaxInt16 || t256 < math.MinInt16 {
		return nil, errors.Errorf("health temperature %v out of range", h.Temperature)
	}
	b := make([]byte, healthSize)
	binary.LittleEndian.PutUint32(b[0:], uint32(h.Uptime))
	binary.LittleEndian.PutUint16(b[4:], h.RebootCount)
	b[6] = h.ResetCause
	binary.LittleEndian.PutUint16(b[7:], uint16(int16(t256)))
	binary.LittleEndian.PutUint16(b[9:], h.BatteryVoltage)
	b[11] = uint8(h.RSSI)
	binary.LittleEndian.PutUint16(b[12:], h.EhVoltage)
	binary.LittleEndian.PutUint32(b[14:], math.Float32bits(h.ClockSyncSkew))
	binary.LittleEndian.PutUint16(b[18:], h.ClockSyncAge)
	binary.LittleEndian.PutUint32(b[20:], uint32(h.ClockSyncDiff))
	return b, nil
}

func (s *Snippet) UnmarshalBinary(b []byte) error {
	if len(b) < 11 {
		return decodeErrorf(KindSnippet, "payload length %d want >=11", len(b))
	}
	s.StartTime = int64(binary.LittleEndian.Uint64(b[0:]))
	s.SampleRate = binary.LittleEndian.Uint16(b[8:])
	s.Range = b[10]
	s.Samples = append([]byte(nil), b[11:]...)
	if s.StartTime < 0 {
		return decodeErrorf(KindSnippet, "start_time %d negative", s.StartTime)
	}
	return nil
}

func (s *Snippet) MarshalBinary() ([]byte, error) {
	b := make([]byte, 11+len(s.Samples))
	binary.LittleEndian.PutUint64(b[0:], uint64(s.StartTime))
	binary.LittleEndian.PutUint16(b[8:], s.SampleRate)
	b[10] = s.Range
	copy(b[11:], s.Samples)
	return b, nil
}

func (a *Aggregates) UnmarshalBinary(b []byte) error {
	if len(b) < 13 {
		return decodeErrorf(KindAggregates, "payload length %d want >=13", len(b))
	}
	a.StartTime = int64(binary.LittleEndian.Uint64(b[0:]))
	a.Duration = binary.LittleEndian.Uint32(b[8:])
	count := int(b[12])
	if len(b) != 13+9*count {
		return decodeErrorf(KindAggregates, "payload length %d want %d for count %d", len(b), 13+9*count, count)
	}
	if a.StartTime < 0 {
		return decodeErrorf(KindAggregates, "start_time %d negative", a.StartTime)
	}
	a.Values = make(map[uint8]int64, count)
	for i := 0; i < count; i++ {
		off := 13 + 9*i
		param := b[off]
		if _, dup := a.Values[param]; dup {
			return decodeErrorf(KindAggregates, "duplicate param %d", param)
		}
		a.Values[param] = int64(binary.LittleEndian.Uint64(b[off+1:]))
	}
	return nil
}

func (a *Aggregates) MarshalBinary() ([]byte, error) {
	if len(a.Values) > math.MaxUint8 {
		return nil, errors.Errorf("aggregates %d values do not fit", len(a.Values))
	}
	params := make([]uint8, 0, len(a.Values))
	for p := range a.Values {
		params = append(params, p)
	}
	sort.Slice(params, func(i, j int) bool { return params[i] < params[j] })
	b := make([]byte, 13+9*len(params))
	binary.LittleEndian.PutUint64(b[0:], uint64(a.StartTime))
	binary.LittleEndian.PutUint32(b[8:], a.Duration)
	b[12] = uint8(len(params))
	for i, p := range params {
		off := 13 + 9*i
		b[off] = p
		binary.LittleEndian.PutUint64(b[off+1:], uint64(a.Values[p]))
	}
	return b, nil
}

func (sr *SettingsReport) UnmarshalBinary(b []byte) error {
	s, err := DecodeSettings(b)
	if err != nil {
		return errors.Trace(err)
	}
	sr.Settings = s
	return nil
}

func (sr *SettingsReport) MarshalBinary() ([]byte, error) {
	return EncodeSettings(sr.Settings)
}

func (v *VersionInfo) UnmarshalBinary(b []byte) error {
	if len(b) < 2 {
		return decodeErrorf(KindVersion, "payload length %d want >=2", len(b))
	}
	vlen := int(b[0])
	if len(b) < 1+vlen+1 {
		return decodeErrorf(KindVersion, "version length %d overflows payload %d", vlen, len(b))
	}
	blen := int(b[1+vlen])
	if len(b) != 2+vlen+blen {
		return decodeErrorf(KindVersion, "payload length %d want %d", len(b), 2+vlen+blen)
	}
	version := b[1 : 1+vlen]
	build := b[2+vlen:]
	if !utf8.Valid(version) || !utf8.Valid(build) {
		return decodeErrorf(KindVersion, "strings not valid utf8")
	}
	v.Version = string(version)
	v.Build = string(build)
	return nil
}

func (v *VersionInfo) MarshalBinary() ([]byte, error) {
	if len(v.Version) > math.MaxUint8 || len(v.Build) > math.MaxUint8 {
		return nil, errors.Errorf("version strings too long %d/%d", len(v.Version), len(v.Build))
	}
	b := make([]byte, 0, 2+len(v.Version)+len(v.Build))
	b = append(b, uint8(len(v.Version)))
	b = append(b, v.Version...)
	b = append(b, uint8(len(v.Build)))
	b = append(b, v.Build...)
	return b, nil
}

// EncodeSettings renders a settings mapping to its wire payload:
// count byte then entries of key byte + value int32, ascending by key.
// Deterministic, fit for byte comparison.
func EncodeSettings(s settings.Settings) ([]byte, error) {
	if len(s) > math.MaxUint8 {
		return nil, errors.Errorf("settings %d entries do not fit", len(s))
	}
	keys := s.Keys()
	b := make([]byte, 1+5*len(keys))
	b[0] = uint8(len(keys))
	for i, k := range keys {
		off := 1 + 5*i
		b[off] = k
		binary.LittleEndian.PutUint32(b[off+1:], uint32(s[k]))
	}
	return b, nil
}

func DecodeSettings(b []byte) (settings.Settings, error) {
	if len(b) < 1 {
		return nil, decodeErrorf(KindSettings, "payload empty")
	}
	count := int(b[0])
	if len(b) != 1+5*count {
		return nil, decodeErrorf(KindSettings, "payload length %d want %d for count %d", len(b), 1+5*count, count)
	}
	s := make(settings.Settings, count)
	prev := -1
	for i := 0; i < count; i++ {
		off := 1 + 5*i
		k := b[off]
		if int(k) <= prev {
			return nil, decodeErrorf(KindSettings, "keys not ascending at %d", k)
		}
		prev = int(k)
		s[k] = int32(binary.LittleEndian.Uint32(b[off+1:]))
	}
	return s, nil
}
