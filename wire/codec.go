// Package wire serializes application values for the labrpc protocol.
//
// Values travel as MessagePack with typed extension blocks for anything the
// format cannot represent natively. Extension codes are assigned by
// registration order at process start: code 1 is the RPC error type, code 2
// the numeric array type, and application types registered via Register take
// the codes after that. There is no wire-level schema negotiation — every
// communicating process must register the same types in the same order, or
// payloads will be silently misinterpreted.
package wire

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	nextExtID     int8
	compressLevel = zlib.NoCompression
)

func init() {
	Register((*RPCError)(nil))
	Register((*NDArray)(nil))
}

// Register assigns the next extension code to a serializable type and wires
// it into Pack/Unpack. The prototype is a typed nil pointer, e.g.
// (*MyType)(nil); decoded values come back as *MyType. Must be called before
// any traffic is exchanged, in the same order on every peer.
func Register(prototype msgpack.MarshalerUnmarshaler) int8 {
	nextExtID++
	msgpack.RegisterExt(nextExtID, prototype)
	return nextExtID
}

// CompressLevel sets the zlib level used by Packz, from 0 (no compression,
// the default) to 9 (best compression).
func CompressLevel(level int) error {
	if level < zlib.NoCompression || level > zlib.BestCompression {
		return fmt.Errorf("wire: invalid compress level %d", level)
	}
	compressLevel = level
	return nil
}

// Pack serializes a value.
func Pack(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("wire: pack: %w", err)
	}
	return buf.Bytes(), nil
}

// Unpack deserializes a value. Maps decode as map[string]any, arrays as
// []any, integers as int64 or uint64.
func Unpack(data []byte) (any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	v, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return nil, fmt.Errorf("wire: unpack: %w", err)
	}
	return v, nil
}

// Packz serializes and zlib-compresses a value for bandwidth-constrained
// links. With the default level the stream is still zlib-framed, just not
// compressed.
func Packz(v any) ([]byte, error) {
	data, err := Pack(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, compressLevel)
	if err != nil {
		return nil, fmt.Errorf("wire: packz: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("wire: packz: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("wire: packz: %w", err)
	}
	return buf.Bytes(), nil
}

// Unpackz decompresses and deserializes a value produced by Packz.
func Unpackz(data []byte) (any, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("wire: unpackz: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("wire: unpackz: %w", err)
	}
	return Unpack(raw)
}
