package sink

import (
	"fmt"
	"sort"
	"strings"

	"fieldlink/report"
)

// Text renders a report as a one line human readable string. Logger
// output and console printing share this form.
func Text(r report.Report) string {
	switch x := r.(type) {
	case *report.VersionInfo:
		return renderVersion(x)
	case *report.Health:
		return fmt.Sprintf("uptime=%ds reboots=%d temp=%.2f battery=%dmV rssi=%ddBm",
			x.Uptime, x.RebootCount, x.Temperature, x.BatteryVoltage, x.RSSI)
	case *report.Snippet:
		return fmt.Sprintf("t=%d rate=%dHz range=%dg bytes=%d",
			x.StartTime, x.SampleRate, x.Range, len(x.Samples))
	case *report.Aggregates:
		return fmt.Sprintf("t=%d dur=%dms %s", x.StartTime, x.Duration, renderValues(x.Values))
	case *report.SettingsReport:
		return x.Settings.String()
	}
	return fmt.Sprintf("%v", r)
}

func renderVersion(v *report.VersionInfo) string {
	if v.Build == "" {
		return v.Version
	}
	return v.Version + "+" + v.Build
}

func renderValues(m map[uint8]int64) string {
	keys := make([]uint8, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	b := strings.Builder{}
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d=%d", k, m[k])
	}
	return b.String()
}
