package bloom

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
)

// Serialize encodes the filter for storage inside a segment's metadata.
// Layout (little-endian, snappy-compressed):
//   - 8 bytes: numBits
//   - 8 bytes: numHashes
//   - 8 bytes: count
//   - remaining: bit array words
func (f *EntityFilter) Serialize() []byte {
	headerSize := 3 * 8
	buf := make([]byte, headerSize+len(f.bits)*8)

	binary.LittleEndian.PutUint64(buf[0:8], f.numBits)
	binary.LittleEndian.PutUint64(buf[8:16], f.numHashes)
	binary.LittleEndian.PutUint64(buf[16:24], f.count)
	for i, word := range f.bits {
		binary.LittleEndian.PutUint64(buf[headerSize+i*8:], word)
	}

	return snappy.Encode(nil, buf)
}

// Deserialize reconstructs a filter from Serialize output.
func Deserialize(data []byte) (*EntityFilter, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("bloom: failed to decompress filter: %w", err)
	}

	const headerSize = 3 * 8
	if len(raw) < headerSize {
		return nil, fmt.Errorf("bloom: serialized filter too short (%d bytes)", len(raw))
	}

	numBits := binary.LittleEndian.Uint64(raw[0:8])
	numHashes := binary.LittleEndian.Uint64(raw[8:16])
	count := binary.LittleEndian.Uint64(raw[16:24])

	wordData := raw[headerSize:]
	if uint64(len(wordData)*8) != numBits {
		return nil, fmt.Errorf("bloom: bit array length %d does not match header %d", len(wordData)*8, numBits)
	}

	bits := make([]uint64, len(wordData)/8)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(wordData[i*8:])
	}

	return &EntityFilter{
		bits:      bits,
		numBits:   numBits,
		numHashes: numHashes,
		count:     count,
	}, nil
}
