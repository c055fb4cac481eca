package settings

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffIdempotent(t *testing.T) {
	t.Parallel()
	s := Settings{0: 2048, 1: 10000, 3: 60000}
	toWrite, satisfied := Diff(s, s)
	assert.Empty(t, toWrite)
	assert.True(t, satisfied.Equal(s))
}

func TestDiff(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		desired   Settings
		active    Settings
		toWrite   Settings
		satisfied Settings
	}{
		{"empty", Settings{}, Settings{}, Settings{}, Settings{}},
		{"fresh-node", Settings{0: 2048}, Settings{}, Settings{0: 2048}, Settings{}},
		{"value-change", Settings{0: 2048}, Settings{0: 1024}, Settings{0: 2048}, Settings{}},
		{"extra-active-ignored", Settings{0: 2048}, Settings{0: 2048, 9: 1}, Settings{}, Settings{0: 2048}},
		{"mixed",
			Settings{0: 2048, 1: 10000, 2: 1024, 3: 60000},
			Settings{0: 2048, 1: 10000},
			Settings{2: 1024, 3: 60000},
			Settings{0: 2048, 1: 10000}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			toWrite, satisfied := Diff(c.desired, c.active)
			assert.True(t, c.toWrite.Equal(toWrite), "toWrite=%v", toWrite)
			assert.True(t, c.satisfied.Equal(satisfied), "satisfied=%v", satisfied)
		})
	}
}

func TestUnhandled(t *testing.T) {
	t.Parallel()
	written := Settings{2: 1024, 3: 60000}
	u := Unhandled(written, []uint8{2})
	assert.True(t, Settings{3: 60000}.Equal(u), "unhandled=%v", u)

	u = Unhandled(written, []uint8{2, 3})
	assert.Empty(t, u)

	u = Unhandled(written, nil)
	assert.True(t, written.Equal(u))
}

func TestNames(t *testing.T) {
	t.Parallel()
	k, err := ParseName("base_sample_rate_hz")
	require.NoError(t, err)
	assert.Equal(t, uint8(0), k)

	k, err = ParseName("aggregates_param_enable_32_63")
	require.NoError(t, err)
	assert.Equal(t, uint8(23), k)

	k, err = ParseName("42")
	require.NoError(t, err)
	assert.Equal(t, uint8(42), k)

	_, err = ParseName("bogus_name")
	assert.True(t, errors.IsNotValid(err), "err=%v", err)
	_, err = ParseName("300")
	assert.True(t, errors.IsNotValid(err), "err=%v", err)

	assert.Equal(t, "base_sample_rate_hz", Name(0))
	assert.Equal(t, "health_interval_ms", Name(3))
	assert.Equal(t, "99", Name(99))
}

func TestFromNames(t *testing.T) {
	t.Parallel()
	s, err := FromNames(map[string]int{
		"base_sample_rate_hz": 2048,
		"snippet_interval_ms": 10000,
		"77":                  5,
	})
	require.NoError(t, err)
	assert.True(t, Settings{0: 2048, 1: 10000, 77: 5}.Equal(s))

	_, err = FromNames(map[string]int{"nonsense": 1, "base_sample_rate_hz": 1 << 40})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonsense")
	assert.Contains(t, err.Error(), "base_sample_rate_hz")
}

func TestString(t *testing.T) {
	t.Parallel()
	s := Settings{1: 10000, 0: 2048, 99: 7}
	assert.Equal(t, "base_sample_rate_hz=2048 snippet_interval_ms=10000 99=7", s.String())
}
