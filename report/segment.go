package report

// Report records cross the radio link split into MTU-sized segments.
// Each segment starts with a header byte: bit7 first, bit6 last, low 6
// bits a rolling segment number.
const (
	segFirst      = 0x80
	segLast       = 0x40
	segNumberMask = 0x3F
)

// Assembler reassembles a segment stream into whole records. Not
// goroutine safe; one per subscription.
type Assembler struct {
	buf    []byte
	expect uint8
	active bool
}

// Feed consumes one segment. record is non-nil when this segment
// completed a record. gap reports that a partial record was dropped:
// either this segment restarted the stream mid-record or its number
// did not follow the previous one. After a gap the assembler waits for
// the next first-segment. A gap is stream damage, not a decode error.
func (a *Assembler) Feed(seg []byte) (record []byte, gap bool, err error) {
	if len(seg) == 0 {
		return nil, false, decodeErrorf(0, "segment empty")
	}
	hdr := seg[0]
	num := hdr & segNumberMask
	payload := seg[1:]

	if hdr&segFirst != 0 {
		if a.active {
			gap = true
		}
		a.buf = a.buf[:0]
		a.active = true
		a.expect = num
	}
	if !a.active {
		// waiting for a first segment to synchronize with the stream
		return nil, false, nil
	}
	if num != a.expect {
		a.active = false
		return nil, true, nil
	}
	a.buf = append(a.buf, payload...)
	a.expect = (num + 1) & segNumberMask

	if hdr&segLast != 0 {
		record = make([]byte, len(a.buf))
		copy(record, a.buf)
		a.active = false
		return record, gap, nil
	}
	return nil, gap, nil
}

// Reset drops any partial record, e.g. when the subscription is rebound.
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.active = false
}

// Segment splits a record into wire segments of at most chunk payload
// bytes, numbering from first. Used by tests and the mock transceiver.
func Segment(record []byte, chunk int, first uint8) [][]byte {
	if chunk < 1 {
		chunk = 1
	}
	var segs [][]byte
	num := first & segNumberMask
	for off := 0; ; {
		end := off + chunk
		if end > len(record) {
			end = len(record)
		}
		hdr := num
		if off == 0 {
			hdr |= segFirst
		}
		if end == len(record) {
			hdr |= segLast
		}
		seg := make([]byte, 1+end-off)
		seg[0] = hdr
		copy(seg[1:], record[off:end])
		segs = append(segs, seg)
		if end == len(record) {
			return segs
		}
		off = end
		num = (num + 1) & segNumberMask
	}
}
