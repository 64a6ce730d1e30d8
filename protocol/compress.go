package protocol

import (
	"compress/flate"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// FlushWriter is an encoding stream with an explicit sync-flush
// boundary. Connections flush after every command so the peer can
// decode each one without waiting for more output.
type FlushWriter interface {
	io.Writer
	Flush() error
}

// NewDeflateReader decompresses a raw DEFLATE stream (no zlib header,
// wbits -15) as produced by nsqd after deflate feature negotiation.
func NewDeflateReader(r io.Reader) io.Reader {
	return flate.NewReader(r)
}

// NewDeflateWriter compresses with raw DEFLATE at the given level
// (1-9). Flush emits a sync-flush boundary.
func NewDeflateWriter(w io.Writer, level int) (FlushWriter, error) {
	if level < 1 || level > 9 {
		return nil, fmt.Errorf("deflate level %d out of range 1-9", level)
	}
	fw, err := flate.NewWriter(w, level)
	if err != nil {
		return nil, fmt.Errorf("deflate writer: %w", err)
	}
	return fw, nil
}

// NewSnappyReader decompresses the snappy streaming frame format.
func NewSnappyReader(r io.Reader) io.Reader {
	return snappy.NewReader(r)
}

// NewSnappyWriter compresses with the snappy streaming frame format.
// Flush completes the current frame.
func NewSnappyWriter(w io.Writer) FlushWriter {
	return snappy.NewBufferedWriter(w)
}
