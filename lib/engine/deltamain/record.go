package deltamain

import (
	"encoding/binary"
)

// Record binary layout (little endian, all offsets relative to the record
// start):
//
//	off 0         u8       record type (1 = multi-version record)
//	off 4         u32      version count n
//	off 8         u64      key
//	off 16        u64      reserved
//	off 24        u64 * n  versions, ascending
//	off 24+8n     u32 * (n+1)  payload offsets; payload i spans
//	              offset[i]..offset[i+1]
//	off offset[0] payloads
//
// The record size is offset[n] rounded up to 8-byte alignment. A
// zero-length payload marks the version as a tombstone.
const (
	recordTypeMultiVersion = 1

	recordHeaderSize = 24
)

// align8 rounds n up to the next multiple of 8
func align8(n uint32) uint32 {
	return (n + 7) &^ 7
}

// Record is a view of one multi-version record. The underlying bytes live
// in a log entry or a main page; a record view is only valid while a smr
// guard protects that memory.
type Record struct {
	b []byte
}

// NewRecord wraps raw record bytes
func NewRecord(b []byte) Record {
	return Record{b: b}
}

// Valid reports whether the view points at a record
func (r Record) Valid() bool {
	return r.b != nil
}

// Key returns the record key
func (r Record) Key() uint64 {
	return binary.LittleEndian.Uint64(r.b[8:])
}

// VersionCount returns the number of versions held by the record
func (r Record) VersionCount() int {
	return int(binary.LittleEndian.Uint32(r.b[4:]))
}

// Version returns the i-th version, versions are stored ascending
func (r Record) Version(i int) uint64 {
	return binary.LittleEndian.Uint64(r.b[recordHeaderSize+8*i:])
}

func (r Record) payloadOffset(i int) uint32 {
	table := recordHeaderSize + 8*r.VersionCount()
	return binary.LittleEndian.Uint32(r.b[table+4*i:])
}

// Payload returns the payload of the i-th version. A zero-length payload is
// a tombstone.
func (r Record) Payload(i int) []byte {
	return r.b[r.payloadOffset(i):r.payloadOffset(i + 1)]
}

// Size returns the total record size including alignment padding
func (r Record) Size() uint32 {
	return align8(r.payloadOffset(r.VersionCount()))
}

// Read resolves the newest version visible at readVersion. The boolean
// result is false if no version is visible or the visible version is a
// tombstone.
func (r Record) Read(readVersion uint64) ([]byte, bool) {
	for i := r.VersionCount() - 1; i >= 0; i-- {
		if r.Version(i) > readVersion {
			continue
		}
		payload := r.Payload(i)
		if len(payload) == 0 {
			return nil, false
		}
		return payload, true
	}
	return nil, false
}

// NeedsCleaning reports whether a rewrite of this record would change it:
// either a version dropped below the reclamation horizon or pending inserts
// wait to be folded in.
func (r Record) NeedsCleaning(lowest uint64, im *InsertMap) bool {
	if len(im.Pending(r.Key())) > 0 {
		return true
	}
	n := r.VersionCount()
	for i := 0; i < n; i++ {
		if r.Version(i) < lowest {
			return true
		}
	}
	return false
}

// recordSize computes the serialized size for the given versions
func recordSize(versionCount int, payloadTotal int) uint32 {
	return align8(uint32(recordHeaderSize + 8*versionCount + 4*(versionCount+1) + payloadTotal))
}

// writeRecord serializes a record into dst, which must be large enough, and
// returns the number of bytes written
func writeRecord(dst []byte, key uint64, versions []uint64, payloads [][]byte) uint32 {
	n := len(versions)

	dst[0] = recordTypeMultiVersion
	dst[1], dst[2], dst[3] = 0, 0, 0
	binary.LittleEndian.PutUint32(dst[4:], uint32(n))
	binary.LittleEndian.PutUint64(dst[8:], key)
	binary.LittleEndian.PutUint64(dst[16:], 0)

	for i, v := range versions {
		binary.LittleEndian.PutUint64(dst[recordHeaderSize+8*i:], v)
	}

	table := recordHeaderSize + 8*n
	off := uint32(table + 4*(n+1))
	for i, p := range payloads {
		binary.LittleEndian.PutUint32(dst[table+4*i:], off)
		copy(dst[off:], p)
		off += uint32(len(p))
	}
	binary.LittleEndian.PutUint32(dst[table+4*n:], off)

	size := align8(off)
	for i := off; i < size; i++ {
		dst[i] = 0
	}
	return size
}

// CopyAndCompact rewrites the record into dst, dropping every version below
// lowest and absorbing the pending inserts, whose versions must all be newer
// than the record's own. It returns the bytes written and whether the record
// could be relocated; written == 0 with a true result means nothing survived
// and the record vanishes.
func (r Record) CopyAndCompact(lowest uint64, pending []Pending, dst []byte) (uint32, bool) {
	return compact(dst, r.Key(), lowest, r, pending)
}

// compact builds a record from an optional base and pending inserts. An
// invalid base emits only the pendings; the fold-inserts path uses this to
// synthesize records for keys that never reached a main page.
func compact(dst []byte, key uint64, lowest uint64, base Record, pending []Pending) (uint32, bool) {
	var versions []uint64
	var payloads [][]byte
	payloadTotal := 0

	if base.Valid() {
		n := base.VersionCount()
		for i := 0; i < n; i++ {
			v := base.Version(i)
			if v < lowest {
				continue
			}
			p := base.Payload(i)
			versions = append(versions, v)
			payloads = append(payloads, p)
			payloadTotal += len(p)
		}
	}
	for _, p := range pending {
		if p.Version < lowest {
			continue
		}
		versions = append(versions, p.Version)
		payloads = append(payloads, p.Data)
		payloadTotal += len(p.Data)
	}

	if len(versions) == 0 {
		return 0, true
	}

	size := recordSize(len(versions), payloadTotal)
	if size > uint32(len(dst)) {
		return 0, false
	}
	return writeRecord(dst, key, versions, payloads), true
}
