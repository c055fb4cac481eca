package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldlink/helpers"
)

func TestSamplesRoundTrip(t *testing.T) {
	t.Parallel()
	axes := map[uint8][]int16{
		AxisX: {100, -100, 32767},
		AxisY: {},
		AxisZ: {-32768},
	}
	raw, err := EncodeSamples(axes)
	require.NoError(t, err)
	// x block | y block | z block, ascending by axis
	assert.Equal(t, helpers.MustHex("0003006400"+"9cff"+"ff7f"+"010000"+"0201000080"), raw)

	back, err := DecodeSamples(raw)
	require.NoError(t, err)
	assert.Equal(t, axes, back)
}

func TestSamplesErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		hex    string
		expect string
	}{
		{"header-truncated", "0001", "header truncated"},
		{"block-truncated", "00030064009cff", "truncated"},
		{"duplicate-axis", "00010064000001006400", "duplicate"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			_, err := DecodeSamples(helpers.MustHex(c.hex))
			require.Error(t, err)
			assert.True(t, IsDecodeError(err), "err=%v", err)
			assert.Contains(t, err.Error(), c.expect)
		})
	}
}

func TestSampleScale(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 2.0, SampleG(16384, 4))
	assert.Equal(t, -2.0, SampleG(-32768, 2))
	assert.Equal(t, 0.0, SampleG(0, 16))
}
