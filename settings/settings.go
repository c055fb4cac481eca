// Package settings models the numeric configuration parameters of a
// sensor node and computes what must be written to bring a node to its
// desired configuration.
package settings

import (
	"fmt"
	"sort"
	"strings"
)

// Settings maps setting key to value. Two instances compare by key-set
// and value equality.
type Settings map[uint8]int32

func (s Settings) Equal(other Settings) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (s Settings) Clone() Settings {
	c := make(Settings, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// Keys returns setting keys in ascending order.
func (s Settings) Keys() []uint8 {
	ks := make([]uint8, 0, len(s))
	for k := range s {
		ks = append(ks, k)
	}
	sort.Slice(ks, func(i, j int) bool { return ks[i] < ks[j] })
	return ks
}

func (s Settings) String() string {
	parts := make([]string, 0, len(s))
	for _, k := range s.Keys() {
		parts = append(parts, fmt.Sprintf("%s=%d", Name(k), s[k]))
	}
	return strings.Join(parts, " ")
}

// Diff splits desired into the subset that differs from active (and so
// must be written to the node) and the subset active already carries
// with the same value. Diff(s, s) always yields an empty toWrite.
func Diff(desired, active Settings) (toWrite, satisfied Settings) {
	toWrite = make(Settings)
	satisfied = make(Settings)
	for k, v := range desired {
		if av, ok := active[k]; ok && av == v {
			satisfied[k] = v
		} else {
			toWrite[k] = v
		}
	}
	return toWrite, satisfied
}

// Unhandled returns the subset of written whose keys the node did not
// acknowledge. Non-empty result is a warning, not an error.
func Unhandled(written Settings, acked []uint8) Settings {
	ackSet := make(map[uint8]struct{}, len(acked))
	for _, k := range acked {
		ackSet[k] = struct{}{}
	}
	u := make(Settings)
	for k, v := range written {
		if _, ok := ackSet[k]; !ok {
			u[k] = v
		}
	}
	return u
}
