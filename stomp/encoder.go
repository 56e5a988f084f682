package stomp

import (
	"strconv"
)

// AppendFrame appends the wire encoding of Frame |f| to |b|, returning the
// extended slice. A content-length header is added to frames having a
// non-empty Body which do not already carry one.
func AppendFrame(b []byte, f *Frame) []byte {
	if f.IsHeartBeat() {
		return append(b, '\n')
	}
	var escape = escapesHeaders(f.Command)

	b = append(b, f.Command...)
	b = append(b, '\n')

	for _, kv := range f.Header {
		if escape {
			b = append(b, headerEscaper.Replace(kv[0])...)
			b = append(b, ':')
			b = append(b, headerEscaper.Replace(kv[1])...)
		} else {
			b = append(b, kv[0]...)
			b = append(b, ':')
			b = append(b, kv[1]...)
		}
		b = append(b, '\n')
	}
	if _, ok := f.Header.Lookup(HdrContentLength); !ok && len(f.Body) != 0 {
		b = append(b, HdrContentLength...)
		b = append(b, ':')
		b = strconv.AppendInt(b, int64(len(f.Body)), 10)
		b = append(b, '\n')
	}
	b = append(b, '\n')
	b = append(b, f.Body...)
	return append(b, 0)
}
