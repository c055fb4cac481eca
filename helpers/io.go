package helpers

import (
	"io"
)

// WriteAll retries w.Write until all of b is consumed.
// Write returning (0, nil) becomes io.ErrShortWrite instead of a spin.
func WriteAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}
