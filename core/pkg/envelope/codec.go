package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// Content encodings understood by the codec.
const (
	EncodingIdentity = ""
	EncodingBrotli   = "br"
)

// Codec serializes envelopes for the wire. The zero value produces plain
// UTF-8 JSON. With Compression set, bodies at or above MinCompressSize are
// compressed and tagged through the transport's content-encoding property.
type Codec struct {
	// Compression selects the body compression: "" or "br".
	Compression string

	// MinCompressSize is the smallest serialized size that gets
	// compressed. Zero means compress everything when enabled.
	MinCompressSize int
}

// Marshal serializes the envelope and reports the content encoding the
// transport must attach to the message.
func (c Codec) Marshal(e *Envelope) (body []byte, encoding string, err error) {
	body, err = json.Marshal(e)
	if err != nil {
		return nil, "", fmt.Errorf("envelope: marshal: %w", err)
	}
	if c.Compression != EncodingBrotli || len(body) < c.MinCompressSize {
		return body, EncodingIdentity, nil
	}

	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err = w.Write(body); err != nil {
		return nil, "", fmt.Errorf("envelope: compress: %w", err)
	}
	if err = w.Close(); err != nil {
		return nil, "", fmt.Errorf("envelope: compress: %w", err)
	}
	return buf.Bytes(), EncodingBrotli, nil
}

// Unmarshal decodes a wire body produced by Marshal. The encoding argument is
// the transport's content-encoding property for the delivery.
func (c Codec) Unmarshal(body []byte, encoding string) (*Envelope, error) {
	switch encoding {
	case EncodingIdentity:
	case EncodingBrotli:
		raw, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("envelope: decompress: %w", err)
		}
		body = raw
	default:
		return nil, fmt.Errorf("envelope: unsupported content encoding %q", encoding)
	}

	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("envelope: unmarshal: %w", err)
	}
	return &e, nil
}
