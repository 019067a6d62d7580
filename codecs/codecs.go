// Package codecs provides the compression codecs of persisted snapshots.
package codecs

import (
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Codec is a compression codec.
type Codec string

const (
	None   Codec = "none"
	Gzip   Codec = "gzip"
	Snappy Codec = "snappy"
	Zstd   Codec = "zstd"
)

// Validate returns an error if the Codec is unknown.
func (c Codec) Validate() error {
	switch c {
	case None, Gzip, Snappy:
		return nil
	case Zstd:
		if zstdNewReader == nil {
			return errors.New("zstd codec is not enabled in this build")
		}
		return nil
	default:
		return errors.Errorf("unsupported codec %q", string(c))
	}
}

// Extension returns the file extension of content encoded with the Codec.
func (c Codec) Extension() string {
	switch c {
	case Gzip:
		return ".gz"
	case Snappy:
		return ".sz"
	case Zstd:
		return ".zst"
	default:
		return ""
	}
}

// Decompressor is a ReadCloser where Close closes and releases Decompressor
// state, but does not Close or affect the underlying Reader.
type Decompressor io.ReadCloser

// Compressor is a WriteCloser where Close closes and releases Compressor
// state, potentially flushing final content to the underlying Writer,
// but does not Close or otherwise affect the underlying Writer.
type Compressor io.WriteCloser

// NewCodecReader returns a Decompressor of the Reader encoded with Codec.
func NewCodecReader(r io.Reader, codec Codec) (Decompressor, error) {
	switch codec {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case Zstd:
		if err := codec.Validate(); err != nil {
			return nil, err
		}
		return zstdNewReader(r)
	default:
		return nil, codec.Validate()
	}
}

// NewCodecWriter returns a Compressor wrapping the Writer encoding with Codec.
func NewCodecWriter(w io.Writer, codec Codec) (Compressor, error) {
	switch codec {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	case Zstd:
		if err := codec.Validate(); err != nil {
			return nil, err
		}
		return zstdNewWriter(w)
	default:
		return nil, codec.Validate()
	}
}

// zstd is a cgo dependency, and is set only by builds which don't specify
// the "nozstd" tag.
var (
	zstdNewReader func(io.Reader) (io.ReadCloser, error)
	zstdNewWriter func(io.Writer) (io.WriteCloser, error)
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
