package common

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func digits(dd ...uint16) []byte {
	ret := make([]byte, 0, len(dd)*2)
	for _, d := range dd {
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], d)
		ret = append(ret, tmp[:]...)
	}
	return ret
}

func TestOrderKeyBetweenNeighbors(t *testing.T) {
	seed := []byte("seed-1")

	t.Run("gap of one digit", func(t *testing.T) {
		k, err := AllocateOrderKeyBetween(digits(0x0001), digits(0x0003), seed)
		require.NoError(t, err)
		require.Equal(t, digits(0x0002), k)
	})
	t.Run("no neighbors", func(t *testing.T) {
		k, err := AllocateOrderKeyBetween(nil, nil, seed)
		require.NoError(t, err)
		require.True(t, len(k) > 0)
		require.True(t, len(k)%2 == 0)
	})
	t.Run("adjacent digits recurse deeper", func(t *testing.T) {
		k, err := AllocateOrderKeyBetween(digits(7), digits(8), seed)
		require.NoError(t, err)
		require.True(t, bytes.Compare(digits(7), k) < 0)
		require.True(t, bytes.Compare(k, digits(8)) < 0)
		require.True(t, len(k) > 2)
	})
	t.Run("right below left rejected", func(t *testing.T) {
		_, err := AllocateOrderKeyBetween(digits(5), digits(4), seed)
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrInvalidOperation))
	})
	t.Run("odd length rejected", func(t *testing.T) {
		_, err := AllocateOrderKeyBetween([]byte{1}, nil, seed)
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrInvalidOperation))
	})
}

func TestOrderKeyDeterministic(t *testing.T) {
	seed := []byte("replica-a\x00\x00\x00\x00\x00\x00\x00\x2a")
	k1, err := AllocateOrderKeyBetween(nil, nil, seed)
	require.NoError(t, err)
	k2, err := AllocateOrderKeyBetween(nil, nil, seed)
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	// distinct seeds spread over the boundary interval; at least one of a
	// handful must land elsewhere
	diverged := false
	for i := 0; i < 20 && !diverged; i++ {
		k3, err := AllocateOrderKeyBetween(nil, nil, []byte(fmt.Sprintf("other-seed-%d", i)))
		require.NoError(t, err)
		diverged = !bytes.Equal(k1, k3)
	}
	require.True(t, diverged)
}

// density: any left < right admits a key strictly between
func TestOrderKeyDensity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		seed := make([]byte, 12)
		rng.Read(seed)

		a := randomKey(rng)
		b := randomKey(rng)
		cmp := bytes.Compare(a, b)
		if cmp == 0 {
			continue
		}
		left, right := a, b
		if cmp > 0 {
			left, right = b, a
		}
		k, err := AllocateOrderKeyBetween(left, right, seed)
		require.NoError(t, err, "left=%x right=%x", left, right)
		require.True(t, bytes.Compare(left, k) < 0, "left=%x k=%x", left, k)
		require.True(t, bytes.Compare(k, right) < 0, "k=%x right=%x", k, right)
	}
}

// repeated insertion before the same right neighbor must keep making room
func TestOrderKeyRepeatedPrepend(t *testing.T) {
	right := []byte(nil)
	for i := 0; i < 200; i++ {
		k, err := AllocateOrderKeyBetween(nil, right, []byte(fmt.Sprintf("seed-%d", i)))
		require.NoError(t, err)
		if right != nil {
			require.True(t, bytes.Compare(k, right) < 0)
		}
		right = k
	}
}

func TestOrderKeyRepeatedAppend(t *testing.T) {
	left := []byte(nil)
	for i := 0; i < 200; i++ {
		k, err := AllocateOrderKeyBetween(left, nil, []byte(fmt.Sprintf("seed-%d", i)))
		require.NoError(t, err)
		if left != nil {
			require.True(t, bytes.Compare(left, k) < 0)
		}
		left = k
	}
}

func randomKey(rng *rand.Rand) []byte {
	n := 1 + rng.Intn(3)
	dd := make([]uint16, n)
	for i := range dd {
		dd[i] = uint16(rng.Intn(0x10000))
	}
	return digits(dd...)
}
