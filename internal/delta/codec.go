package delta

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
)

type Encoding string

const (
	EncodingText      Encoding = "text"
	EncodingTextZstd  Encoding = "text+zstd"
	EncodingDelta     Encoding = "delta/json"
	EncodingDeltaZstd Encoding = "delta/json+zstd"
)

func (e Encoding) compressed() bool {
	return e == EncodingTextZstd || e == EncodingDeltaZstd
}

// Codec turns baselines and deltas into stored payloads. Decoding handles
// every encoding regardless of whether compression is enabled for writes.
type Codec struct {
	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

func NewCodec(compress bool) (*Codec, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	c := &Codec{compress: compress, decoder: decoder}
	if compress {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			decoder.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		c.encoder = encoder
	}
	return c, nil
}

func (c *Codec) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	c.decoder.Close()
}

func (c *Codec) EncodeBaseline(text string) ([]byte, Encoding) {
	if c.compress {
		return c.encoder.EncodeAll([]byte(text), nil), EncodingTextZstd
	}
	return []byte(text), EncodingText
}

func (c *Codec) EncodeDelta(d *Delta) ([]byte, Encoding, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal delta: %w", err)
	}
	if c.compress {
		return c.encoder.EncodeAll(data, nil), EncodingDeltaZstd, nil
	}
	return data, EncodingDelta, nil
}

func (c *Codec) DecodeBaseline(payload []byte, enc Encoding) (string, error) {
	if enc != EncodingText && enc != EncodingTextZstd {
		return "", fmt.Errorf("%w: %q is not a baseline encoding", ErrUnknownEncoding, enc)
	}
	data, err := c.inflate(payload, enc)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: baseline is not valid UTF-8", ErrMalformed)
	}
	return string(data), nil
}

func (c *Codec) DecodeDelta(payload []byte, enc Encoding) (*Delta, error) {
	if enc != EncodingDelta && enc != EncodingDeltaZstd {
		return nil, fmt.Errorf("%w: %q is not a delta encoding", ErrUnknownEncoding, enc)
	}
	data, err := c.inflate(payload, enc)
	if err != nil {
		return nil, err
	}
	var d Delta
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &d, nil
}

func (c *Codec) inflate(payload []byte, enc Encoding) ([]byte, error) {
	if !enc.compressed() {
		return payload, nil
	}
	data, err := c.decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrMalformed, err)
	}
	return data, nil
}
