// Package pool provides pooled, sector-aligned byte slices for message
// buffers, avoiding hot-path allocations on the send/receive paths.
//
// Uses size-bucketed pools (1, 2, 4, 8, 16, 32 sectors) to balance memory
// efficiency with allocation reduction. Messages larger than the largest
// bucket fall back to a direct allocation, since VR protocol messages are
// expected to stay well under that bound in normal operation.
//
// Uses the *[]byte pattern to avoid the extra allocation sync.Pool would
// otherwise incur boxing a []byte into the interface{} it stores.
package pool

import "sync"

// SectorSize is the alignment granularity for pooled buffers.
const SectorSize = 512

const (
	bucket1  = 1 * SectorSize
	bucket2  = 2 * SectorSize
	bucket4  = 4 * SectorSize
	bucket8  = 8 * SectorSize
	bucket16 = 16 * SectorSize
	bucket32 = 32 * SectorSize
)

var buckets = struct {
	p1, p2, p4, p8, p16, p32 sync.Pool
}{
	p1:  sync.Pool{New: func() any { b := make([]byte, bucket1); return &b }},
	p2:  sync.Pool{New: func() any { b := make([]byte, bucket2); return &b }},
	p4:  sync.Pool{New: func() any { b := make([]byte, bucket4); return &b }},
	p8:  sync.Pool{New: func() any { b := make([]byte, bucket8); return &b }},
	p16: sync.Pool{New: func() any { b := make([]byte, bucket16); return &b }},
	p32: sync.Pool{New: func() any { b := make([]byte, bucket32); return &b }},
}

// RoundUpToSector rounds size up to the next multiple of SectorSize, with
// a minimum of one sector.
func RoundUpToSector(size uint32) uint32 {
	if size == 0 {
		return SectorSize
	}
	rem := size % SectorSize
	if rem == 0 {
		return size
	}
	return size + (SectorSize - rem)
}

// Get returns a zeroed, pooled buffer of at least size bytes, sliced to
// exactly size. The second return value reports whether the buffer came
// from a pool (and should later be returned via Put) or was a direct
// allocation for an oversized request.
func Get(size uint32) ([]byte, bool) {
	aligned := RoundUpToSector(size)
	var buf []byte
	pooled := true

	switch {
	case aligned <= bucket1:
		buf = *buckets.p1.Get().(*[]byte)
	case aligned <= bucket2:
		buf = *buckets.p2.Get().(*[]byte)
	case aligned <= bucket4:
		buf = *buckets.p4.Get().(*[]byte)
	case aligned <= bucket8:
		buf = *buckets.p8.Get().(*[]byte)
	case aligned <= bucket16:
		buf = *buckets.p16.Get().(*[]byte)
	case aligned <= bucket32:
		buf = *buckets.p32.Get().(*[]byte)
	default:
		buf = make([]byte, aligned)
		pooled = false
	}

	for i := range buf[:size] {
		buf[i] = 0
	}
	return buf[:size], pooled
}

// Put returns a buffer obtained from Get back to its bucket. Buffers with
// non-bucket capacity (oversized direct allocations) are dropped for the
// garbage collector to reclaim.
func Put(buf []byte) {
	c := cap(buf)
	full := buf[:c]
	switch c {
	case bucket1:
		buckets.p1.Put(&full)
	case bucket2:
		buckets.p2.Put(&full)
	case bucket4:
		buckets.p4.Put(&full)
	case bucket8:
		buckets.p8.Put(&full)
	case bucket16:
		buckets.p16.Put(&full)
	case bucket32:
		buckets.p32.Put(&full)
	}
}
