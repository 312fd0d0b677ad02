package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// fieldFunc handles one field value and returns the number of bytes it
// consumed from value. Returning 0 skips the field.
type fieldFunc func(num protowire.Number, typ protowire.Type, value []byte) (int, error)

// walkFields iterates over the protobuf fields encoded in buf
func walkFields(buf []byte, fn fieldFunc) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]

		m, err := fn(num, typ, buf)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, buf)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		buf = buf[m:]
	}
	return nil
}
