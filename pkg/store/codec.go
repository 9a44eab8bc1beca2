package store

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sanonone/imagesdb/pkg/core/distance"
	"github.com/sanonone/imagesdb/pkg/core/types"
	"github.com/vmihailenco/msgpack/v5"
)

// diskRecord is the serialized form of a Record.
type diskRecord struct {
	ID   uint64 `msgpack:"id"`
	Key  string `msgpack:"key"`
	Dim  int    `msgpack:"dim"`
	Prec string `msgpack:"prec"`
	Data []byte `msgpack:"data"`
}

// Codec turns records into bytes and back. The precision only affects how
// embeddings are written; every record carries its own precision tag, so a
// file written with one setting stays readable under another.
type Codec struct {
	Precision distance.PrecisionType
}

// Encode serializes a record with msgpack.
func (c Codec) Encode(r Record) ([]byte, error) {
	prec := c.Precision
	if prec == "" {
		prec = distance.Float32
	}
	data, err := EncodeVector(r.Embedding, prec)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(&diskRecord{
		ID:   r.ID,
		Key:  r.Key,
		Dim:  len(r.Embedding),
		Prec: string(prec),
		Data: data,
	})
}

// Decode parses bytes produced by Encode.
func (c Codec) Decode(b []byte) (Record, error) {
	var dr diskRecord
	if err := msgpack.Unmarshal(b, &dr); err != nil {
		return Record{}, fmt.Errorf("store: decode record: %w", err)
	}
	emb, err := DecodeVector(dr.Data, distance.PrecisionType(dr.Prec))
	if err != nil {
		return Record{}, err
	}
	if len(emb) != dr.Dim {
		return Record{}, fmt.Errorf("store: record %d: embedding has %d values, header says %d", dr.ID, len(emb), dr.Dim)
	}
	return Record{ID: dr.ID, Key: dr.Key, Embedding: emb}, nil
}

// EncodeVector packs a vector as little-endian float32 or IEEE half floats.
func EncodeVector(vec []float32, prec distance.PrecisionType) ([]byte, error) {
	switch prec {
	case distance.Float32, "":
		b := make([]byte, len(vec)*4)
		for i, v := range vec {
			binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
		}
		return b, nil
	case distance.Float16:
		for i, v := range vec {
			if math.Abs(float64(v)) > distance.MaxFloat16 {
				return nil, fmt.Errorf("store: component %d (%g) exceeds float16 range: %w", i, v, types.ErrOutOfRange)
			}
		}
		halves := distance.ToFloat16(vec)
		b := make([]byte, len(halves)*2)
		for i, h := range halves {
			binary.LittleEndian.PutUint16(b[i*2:], h)
		}
		return b, nil
	}
	return nil, fmt.Errorf("store: unsupported precision %q", prec)
}

// DecodeVector reverses EncodeVector.
func DecodeVector(b []byte, prec distance.PrecisionType) ([]float32, error) {
	switch prec {
	case distance.Float32, "":
		if len(b)%4 != 0 {
			return nil, fmt.Errorf("store: float32 blob length %d is not a multiple of 4", len(b))
		}
		out := make([]float32, len(b)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
		}
		return out, nil
	case distance.Float16:
		if len(b)%2 != 0 {
			return nil, fmt.Errorf("store: float16 blob length %d is not a multiple of 2", len(b))
		}
		halves := make([]uint16, len(b)/2)
		for i := range halves {
			halves[i] = binary.LittleEndian.Uint16(b[i*2:])
		}
		return distance.FromFloat16(halves), nil
	}
	return nil, fmt.Errorf("store: unsupported precision %q", prec)
}

func encodeID(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func decodeID(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("store: id payload has %d bytes, want 8", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
