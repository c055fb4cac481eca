package xcvr

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/juju/errors"
	"github.com/sigurn/crc16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldlink/helpers"
)

// [0,0,"ping",null] framed
const pingFrameHex = "464c00098400006470696e67f6434c"

func TestFrameCheckValue(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint16(0x29b1), crc16.Checksum([]byte("123456789"), frameTable))
}

func TestFrameMarshal(t *testing.T) {
	t.Parallel()
	b, err := FrameMarshal(helpers.MustHex("8400006470696e67f6"))
	require.NoError(t, err)
	assert.Equal(t, helpers.MustHex(pingFrameHex), b)

	_, err = FrameMarshal(make([]byte, 1<<16))
	require.Error(t, err)
	assert.Equal(t, ErrFrameLenOverflow, errors.Cause(err))
}

func newTestDecoder(b []byte, max uint32) *Decoder {
	d := &Decoder{}
	d.Attach(bufio.NewReader(bytes.NewReader(b)), max)
	return d
}

func TestDecoderStream(t *testing.T) {
	t.Parallel()
	two := append(helpers.MustHex(pingFrameHex), helpers.MustHex(pingFrameHex)...)
	d := newTestDecoder(two, DefaultReadLimit)
	for i := 0; i < 2; i++ {
		envelope, err := d.Read()
		require.NoError(t, err)
		assert.Equal(t, helpers.MustHex("8400006470696e67f6"), envelope)
	}
	_, err := d.Read()
	assert.Equal(t, io.EOF, err)
}

func TestDecoderErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		input string
		max   uint32
		cause error
	}{
		{"bad-magic", "004c00098400006470696e67f6434c", DefaultReadLimit, ErrFrameInvalid},
		{"bad-crc", "464c00098400006470696e67f643b3", DefaultReadLimit, ErrFrameInvalid},
		{"short-header", "464c00", DefaultReadLimit, io.ErrUnexpectedEOF},
		{"short-body", "464c00098400", DefaultReadLimit, io.ErrUnexpectedEOF},
		{"overflow", pingFrameHex, 8, ErrFrameLenOverflow},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			d := newTestDecoder(helpers.MustHex(c.input), c.max)
			_, err := d.Read()
			require.Error(t, err)
			assert.Equal(t, c.cause, errors.Cause(err))
		})
	}
}
