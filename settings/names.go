package settings

import (
	"math"
	"strconv"

	"github.com/juju/errors"

	"fieldlink/helpers"
)

// Readable names for setting keys, as accepted in configuration files
// and the console. Matches node firmware parameter ids.
var nameToKey = map[string]uint8{
	"base_sample_rate_hz":                     0,
	"snippet_interval_ms":                     1,
	"snippet_length":                          2,
	"health_interval_ms":                      3,
	"base_axis_enable":                        4,
	"motion_threshold_rms_g":                  5,
	"motion_standby_delay_ms":                 6,
	"wom_sample_rate_hz":                      7,
	"wom_threshold_g":                         8,
	"snippet_mode":                            9,
	"capture_mode":                            10,
	"capture_buffer_length":                   11,
	"events_motion_start_enable":              12,
	"events_motion_start_capture":             13,
	"events_motion_start_capture_duration_ms": 14,
	"aggregates_mode":                         15,
	"aggregates_interval_ms":                  16,
	"aggregates_sample_rate_hz":               17,
	"aggregates_hpf_mode":                     18,
	"aggregates_hpf_cutoff":                   19,
	"aggregates_fft_mode":                     20,
	"aggregates_fft_length":                   21,
	"aggregates_param_enable_0_31":            22,
	"aggregates_param_enable_32_63":           23,
}

var keyToName = func() map[uint8]string {
	m := make(map[uint8]string, len(nameToKey))
	for name, key := range nameToKey {
		m[key] = name
	}
	return m
}()

// ParseName resolves a readable setting name to its key. Unknown names
// are accepted as bare decimal keys.
func ParseName(s string) (uint8, error) {
	if k, ok := nameToKey[s]; ok {
		return k, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, errors.NotValidf("setting name %s", s)
	}
	return uint8(n), nil
}

// Name is the inverse of ParseName; keys without a readable name render
// as decimal.
func Name(k uint8) string {
	if s, ok := keyToName[k]; ok {
		return s
	}
	return strconv.Itoa(int(k))
}

// FromNames converts a readable-keyed mapping, as decoded from a config
// file, into Settings. All invalid entries are reported together.
func FromNames(m map[string]int) (Settings, error) {
	s := make(Settings, len(m))
	errs := make([]error, 0, 4)
	for name, value := range m {
		k, err := ParseName(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if value > math.MaxInt32 || value < math.MinInt32 {
			errs = append(errs, errors.NotValidf("setting %s value %d", name, value))
			continue
		}
		s[k] = int32(value)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return nil, err
	}
	return s, nil
}
