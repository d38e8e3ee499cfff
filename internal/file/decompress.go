package file

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// decoderPool recycles zstd decoders across method-100 entries. All
// decoders share the options the Reader was configured with.
type decoderPool struct {
	pool sync.Pool
	opts []zstd.DOption
}

// get returns a decoder reading from r and the function that hands it back.
func (p *decoderPool) get(r io.Reader) (*zstd.Decoder, func(), error) {
	if dec, ok := p.pool.Get().(*zstd.Decoder); ok {
		if err := dec.Reset(r); err == nil {
			return dec, func() { p.put(dec) }, nil
		}
		dec.Close()
	}

	dec, err := zstd.NewReader(r, p.opts...)
	if err != nil {
		return nil, nil, err
	}
	return dec, func() { p.put(dec) }, nil
}

// put detaches dec from its input so the pool does not pin the payload.
func (p *decoderPool) put(dec *zstd.Decoder) {
	if err := dec.Reset(nil); err != nil {
		dec.Close()
		return
	}
	p.pool.Put(dec)
}
