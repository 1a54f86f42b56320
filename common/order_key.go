package common

import "encoding/binary"

// Order keys are variable-length sequences of 16-bit digits, big-endian
// encoded and compared lexicographically as raw bytes. An empty key sorts
// before any non-empty key. AllocateOrderKeyBetween produces a fresh key
// strictly between two neighbor keys without coordination: digits are sampled
// level by level, and where a gap exists the new digit is drawn from a
// bounded interval near one side (LSEQ boundary strategy), which keeps keys
// short under repeated append/prepend workloads. The side and the offset are
// derived deterministically from a seeded FNV-1a hash, so the same
// (replica, counter) seed always yields the same key

const (
	orderKeyDomain  = "treecrdt/order_key/v0"
	orderKeyDigitSz = 2
	// lseqBoundary bounds the sampling interval near the chosen side
	lseqBoundary = uint16(10)

	fnvOffsetBasis = uint64(0xcbf29ce484222325)
	fnvPrime       = uint64(0x100000001b3)
)

func decodeOrderKeyDigits(b []byte) ([]uint16, error) {
	if len(b)%orderKeyDigitSz != 0 {
		return nil, xerrInvalidf("order key must have even length (u16 big-endian digits), got %d bytes", len(b))
	}
	ret := make([]uint16, len(b)/orderKeyDigitSz)
	for i := range ret {
		ret[i] = binary.BigEndian.Uint16(b[i*orderKeyDigitSz:])
	}
	return ret, nil
}

func encodeOrderKeyDigits(digits []uint16) []byte {
	ret := make([]byte, len(digits)*orderKeyDigitSz)
	for i, d := range digits {
		binary.BigEndian.PutUint16(ret[i*orderKeyDigitSz:], d)
	}
	return ret
}

// orderKeySample is a non-cryptographic FNV-1a mix over
// domain ‖ u32-be(len(seed)) ‖ seed ‖ u32-be(depth). It only influences which
// key gets allocated; keys are compared as opaque bytes either way
func orderKeySample(seed []byte, depth int) uint64 {
	h := fnvOffsetBasis
	mix := func(b byte) {
		h ^= uint64(b)
		h *= fnvPrime
	}
	for i := 0; i < len(orderKeyDomain); i++ {
		mix(orderKeyDomain[i])
	}
	var be4 [4]byte
	binary.BigEndian.PutUint32(be4[:], uint32(len(seed)))
	for _, b := range be4 {
		mix(b)
	}
	for _, b := range seed {
		mix(b)
	}
	binary.BigEndian.PutUint32(be4[:], uint32(depth))
	for _, b := range be4 {
		mix(b)
	}
	return h
}

// chooseLeft decides which side of the gap to allocate near at this depth
func chooseLeft(seed []byte, depth int) bool {
	return orderKeySample(seed, depth)&1 == 0
}

func chooseInRange(seed []byte, depth int, lo, hi uint16) uint16 {
	if lo == hi {
		return lo
	}
	span := uint64(hi-lo) + 1
	return lo + uint16(orderKeySample(seed, depth)%span)
}

// AllocateOrderKeyBetween returns a key k with left < k < right in
// lexicographic byte order. nil stands for "no neighbor": absent digits
// default to 0 on the left and 65535 on the right. Fails with
// ErrInvalidOperation when right sorts before left
func AllocateOrderKeyBetween(left, right, seed []byte) ([]byte, error) {
	leftDigits, err := decodeOrderKeyDigits(left)
	if err != nil {
		return nil, err
	}
	rightDigits, err := decodeOrderKeyDigits(right)
	if err != nil {
		return nil, err
	}

	out := make([]uint16, 0, len(leftDigits)+1)
	for depth := 0; ; depth++ {
		ld := uint16(0)
		if depth < len(leftDigits) {
			ld = leftDigits[depth]
		}
		rd := uint16(0xffff)
		if depth < len(rightDigits) {
			rd = rightDigits[depth]
		}
		if rd < ld {
			return nil, xerrInvalidf("cannot allocate order key: right < left")
		}

		if int(rd) > int(ld)+1 {
			gap := rd - ld - 1
			boundary := lseqBoundary
			if gap < boundary {
				boundary = gap
			}
			var lo, hi uint16
			if gap > boundary {
				if chooseLeft(seed, depth) {
					lo, hi = ld+1, ld+boundary
				} else {
					lo, hi = rd-boundary, rd-1
				}
			} else {
				lo, hi = ld+1, rd-1
			}
			out = append(out, chooseInRange(seed, depth, lo, hi))
			return encodeOrderKeyDigits(out), nil
		}

		// no room at this level, extend the prefix and go deeper
		out = append(out, ld)
	}
}
