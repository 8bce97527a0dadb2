package store

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/segmentio/ksuid"
	"github.com/zeebo/blake3"

	"github.com/hupe1980/vecvault/codec"
	"github.com/hupe1980/vecvault/metadata"
	"github.com/hupe1980/vecvault/model"
)

// Segment file layout:
//
//	Header:
//	  Magic       (4 bytes)  - "VSG1"
//	  Version     (1 byte)   - format version
//	  Compression (1 byte)   - pre-seal compression of batch payloads
//	  Count       (4 bytes)  - number of records, big endian
//
//	Record (repeated Count times):
//	  BatchID  (8 bytes)  - big endian
//	  Length   (4 bytes)  - sealed envelope length, big endian
//	  Sealed   (Length)   - encoded ciphertext envelope
//	  Checksum (32 bytes) - blake3 of Sealed
//
// The checksum covers the sealed bytes, so integrity is verifiable without
// any key material. Decryption failures and storage corruption stay
// distinguishable: a bad checksum quarantines the shard, a bad tag is a
// cryptographic error.

var segmentMagic = [4]byte{'V', 'S', 'G', '1'}

const (
	segmentFormatVersion = 1
	segmentHeaderSize    = 4 + 1 + 1 + 4
	recordChecksumSize   = 32
)

type segmentRecord struct {
	BatchID model.BatchID
	// Sealed is the encoded envelope of the compressed batch payload.
	Sealed   []byte
	Checksum [recordChecksumSize]byte
}

func (r *segmentRecord) ChecksumHex() string {
	return hex.EncodeToString(r.Checksum[:])
}

func newRecord(batchID model.BatchID, sealed []byte) segmentRecord {
	return segmentRecord{
		BatchID:  batchID,
		Sealed:   sealed,
		Checksum: blake3.Sum256(sealed),
	}
}

// batchPayload is the plaintext envelope content of one record.
type batchPayload struct {
	Dimension int                 `json:"dimension"`
	Vectors   [][]float32         `json:"vectors"`
	Payloads  [][]byte            `json:"payloads,omitempty"`
	Metadata  []metadata.Document `json:"metadata,omitempty"`
}

func encodePayload(b *model.EmbeddingBatch) ([]byte, error) {
	return encodePayloadStruct(&batchPayload{
		Dimension: b.Dimension,
		Vectors:   b.Vectors,
		Payloads:  b.Payloads,
		Metadata:  b.Metadata,
	})
}

func encodePayloadStruct(p *batchPayload) ([]byte, error) {
	return codec.Default.Marshal(p)
}

func decodePayload(data []byte) (*batchPayload, error) {
	p := &batchPayload{}
	if err := codec.Default.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to decode batch payload: %w", err)
	}
	return p, nil
}

func newSegmentName() string {
	return fmt.Sprintf("seg-%s.vseg", ksuid.New().String())
}

func encodeSegment(c Compression, records []segmentRecord) []byte {
	var buf bytes.Buffer

	buf.Write(segmentMagic[:])
	buf.WriteByte(segmentFormatVersion)
	buf.WriteByte(byte(c))

	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(records)))
	buf.Write(count[:])

	var scratch [8]byte
	for _, r := range records {
		binary.BigEndian.PutUint64(scratch[:], uint64(r.BatchID))
		buf.Write(scratch[:])
		binary.BigEndian.PutUint32(scratch[:4], uint32(len(r.Sealed)))
		buf.Write(scratch[:4])
		buf.Write(r.Sealed)
		buf.Write(r.Checksum[:])
	}

	return buf.Bytes()
}

// parseSegment decodes a segment blob and verifies every record checksum.
func parseSegment(data []byte) (Compression, []segmentRecord, error) {
	if len(data) < segmentHeaderSize {
		return 0, nil, fmt.Errorf("segment too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:4], segmentMagic[:]) {
		return 0, nil, fmt.Errorf("bad segment magic %q", data[:4])
	}
	if data[4] != segmentFormatVersion {
		return 0, nil, fmt.Errorf("unsupported segment format version %d", data[4])
	}

	compression := Compression(data[5])
	count := binary.BigEndian.Uint32(data[6:10])
	rest := data[segmentHeaderSize:]

	// The count field is untrusted: cap the pre-allocation by what the blob
	// can physically hold, the per-record truncation checks reject the rest.
	maxRecords := uint32(len(rest) / (12 + recordChecksumSize))
	capHint := count
	if capHint > maxRecords {
		capHint = maxRecords
	}
	records := make([]segmentRecord, 0, capHint)

	for i := uint32(0); i < count; i++ {
		if len(rest) < 12 {
			return 0, nil, fmt.Errorf("truncated record %d", i)
		}
		batchID := model.BatchID(binary.BigEndian.Uint64(rest[:8]))
		length := binary.BigEndian.Uint32(rest[8:12])
		rest = rest[12:]

		if uint64(len(rest)) < uint64(length)+recordChecksumSize {
			return 0, nil, fmt.Errorf("truncated record %d", i)
		}

		sealed := rest[:length]
		var checksum [recordChecksumSize]byte
		copy(checksum[:], rest[length:length+recordChecksumSize])
		rest = rest[length+recordChecksumSize:]

		if blake3.Sum256(sealed) != checksum {
			return 0, nil, fmt.Errorf("record %d (batch %d): checksum mismatch", i, batchID)
		}

		records = append(records, segmentRecord{
			BatchID:  batchID,
			Sealed:   sealed,
			Checksum: checksum,
		})
	}

	if len(rest) != 0 {
		return 0, nil, fmt.Errorf("%d trailing bytes after last record", len(rest))
	}

	return compression, records, nil
}
