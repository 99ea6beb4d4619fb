package stream

import (
	"errors"
	"io"
)

// Source is a pull-based byte source. Next returns the next chunk of the
// stream; done reports that the source is exhausted. A final chunk may
// accompany done. The returned slice is only valid until the next call
// to Next.
type Source interface {
	Next() (chunk []byte, done bool, err error)
}

// ReaderSource adapts an io.Reader (typically an HTTP response body) to the
// Source interface.
type ReaderSource struct {
	r   io.Reader
	buf []byte
}

// NewReaderSource returns a ReaderSource that reads chunks of up to 32 KiB.
func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{
		r:   r,
		buf: make([]byte, 32*1024),
	}
}

func (s *ReaderSource) Next() ([]byte, bool, error) {
	n, err := s.r.Read(s.buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return s.buf[:n], true, nil
		}
		return nil, false, err
	}

	return s.buf[:n], false, nil
}
