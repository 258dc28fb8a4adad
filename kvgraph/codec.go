package kvgraph

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/abstract-base-method/graphcoll"
)

type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// Every stored value starts with one header byte naming its compression.
const (
	headerPlain byte = 0
	headerZstd  byte = 1
)

type nodeRecord struct {
	Props graphcoll.Properties `msgpack:"p,omitempty"`
}

type relRecord struct {
	Start string               `msgpack:"s"`
	End   string               `msgpack:"e"`
	Type  string               `msgpack:"t"`
	Props graphcoll.Properties `msgpack:"p,omitempty"`
}

func (r relRecord) relationship(id graphcoll.RelationshipID) graphcoll.Relationship {
	return graphcoll.Relationship{
		ID:    id,
		Start: graphcoll.NodeID(r.Start),
		End:   graphcoll.NodeID(r.End),
		Type:  graphcoll.RelationshipType(r.Type),
	}
}

type codec struct {
	compression Compression
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
}

func newCodec(compression Compression) (*codec, error) {
	if compression == "" {
		compression = CompressionNone
	}
	c := &codec{compression: compression}
	switch compression {
	case CompressionNone:
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		c.encoder = enc
	default:
		return nil, fmt.Errorf("%w: unknown compression %q", graphcoll.ErrInvalidConfiguration, compression)
	}
	// Values written under another setting stay readable.
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	c.decoder = dec
	return c, nil
}

func (c *codec) encode(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	if c.compression == CompressionZstd {
		return c.encoder.EncodeAll(data, []byte{headerZstd}), nil
	}
	return append([]byte{headerPlain}, data...), nil
}

func (c *codec) decode(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("kvgraph: empty value")
	}
	payload := data[1:]
	switch data[0] {
	case headerPlain:
	case headerZstd:
		out, err := c.decoder.DecodeAll(payload, nil)
		if err != nil {
			return fmt.Errorf("zstd decode: %w", err)
		}
		payload = out
	default:
		return fmt.Errorf("kvgraph: unknown value header %d", data[0])
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("msgpack decode: %w", err)
	}
	return nil
}

func (c *codec) close() {
	if c.encoder != nil {
		_ = c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}
