package rs

import (
	"bytes"
	"math/rand"
	"testing"
)

func buildGroup(t *testing.T, k, m, shardLen int, seed int64) [][]byte {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	shards := make([][]byte, k+m)
	for i := 0; i < k; i++ {
		shards[i] = make([]byte, shardLen)
		rng.Read(shards[i])
	}
	return shards
}

func TestEncodeParityReproducesDataShards(t *testing.T) {
	c, err := NewCodec(4, 2)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	shards := buildGroup(t, 4, 2, 64, 1)
	original := make([][]byte, 4)
	for i := range original {
		original[i] = append([]byte(nil), shards[i]...)
	}

	if err := c.EncodeParity(shards); err != nil {
		t.Fatalf("EncodeParity: %v", err)
	}
	for i := 0; i < 4; i++ {
		if !bytes.Equal(shards[i], original[i]) {
			t.Fatalf("data shard %d mutated by EncodeParity", i)
		}
	}
	for i := 4; i < 6; i++ {
		if len(shards[i]) != 64 {
			t.Fatalf("parity shard %d has wrong length %d", i, len(shards[i]))
		}
	}
}

func TestDecodeMissingReconstructsAnyKOfNPresent(t *testing.T) {
	const k, m, shardLen = 5, 3, 128

	for trial := 0; trial < 20; trial++ {
		c, err := NewCodec(k, m)
		if err != nil {
			t.Fatalf("NewCodec: %v", err)
		}
		shards := buildGroup(t, k, m, shardLen, int64(trial)*7+1)
		original := make([][]byte, k+m)
		for i := range original {
			original[i] = append([]byte(nil), shards[i]...)
		}
		if err := c.EncodeParity(shards); err != nil {
			t.Fatalf("EncodeParity: %v", err)
		}
		copy(original[k:], shards[k:])

		rng := rand.New(rand.NewSource(int64(trial)*13 + 3))
		perm := rng.Perm(k + m)
		present := make([]bool, k+m)
		for _, idx := range perm[:k] {
			present[idx] = true
		}

		working := make([][]byte, k+m)
		for i, ok := range present {
			if ok {
				working[i] = append([]byte(nil), shards[i]...)
			}
		}

		if err := c.DecodeMissing(working, present); err != nil {
			t.Fatalf("trial %d: DecodeMissing: %v", trial, err)
		}
		for i := 0; i < k+m; i++ {
			if !bytes.Equal(working[i], original[i]) {
				t.Fatalf("trial %d: shard %d = %x, want %x", trial, i, working[i], original[i])
			}
		}
	}
}

func TestDecodeMissingAllDataPresentIsNoop(t *testing.T) {
	c, err := NewCodec(3, 2)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	shards := buildGroup(t, 3, 2, 32, 9)
	if err := c.EncodeParity(shards); err != nil {
		t.Fatalf("EncodeParity: %v", err)
	}
	original := make([][]byte, 5)
	for i := range original {
		original[i] = append([]byte(nil), shards[i]...)
	}

	present := []bool{true, true, true, false, false}
	working := make([][]byte, 5)
	for i := 0; i < 3; i++ {
		working[i] = append([]byte(nil), shards[i]...)
	}

	if err := c.DecodeMissing(working, present); err != nil {
		t.Fatalf("DecodeMissing: %v", err)
	}
	for i := 0; i < 5; i++ {
		if !bytes.Equal(working[i], original[i]) {
			t.Fatalf("shard %d = %x, want %x", i, working[i], original[i])
		}
	}
}

func TestDecodeMissingFewerThanKPresentFails(t *testing.T) {
	c, err := NewCodec(4, 2)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	shards := make([][]byte, 6)
	present := []bool{true, true, true, false, false, false}
	for i := 0; i < 3; i++ {
		shards[i] = make([]byte, 16)
	}
	if err := c.DecodeMissing(shards, present); err != ErrNotEnoughShards {
		t.Fatalf("expected ErrNotEnoughShards, got %v", err)
	}
}

func TestDecodeMissingIsDeterministic(t *testing.T) {
	c, err := NewCodec(3, 2)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	shards := buildGroup(t, 3, 2, 48, 42)
	if err := c.EncodeParity(shards); err != nil {
		t.Fatalf("EncodeParity: %v", err)
	}
	present := []bool{false, true, true, true, false}

	runOnce := func() [][]byte {
		working := make([][]byte, 5)
		for i, ok := range present {
			if ok {
				working[i] = append([]byte(nil), shards[i]...)
			}
		}
		if err := c.DecodeMissing(working, present); err != nil {
			t.Fatalf("DecodeMissing: %v", err)
		}
		return working
	}

	a := runOnce()
	b := runOnce()
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			t.Fatalf("non-deterministic reconstruction at shard %d", i)
		}
	}
}

func TestEncodeParityShardLengthMismatch(t *testing.T) {
	c, err := NewCodec(2, 1)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	shards := [][]byte{make([]byte, 8), make([]byte, 4), nil}
	if err := c.EncodeParity(shards); err == nil {
		t.Fatalf("expected error for mismatched shard lengths")
	}
}

func TestNewCodecRejectsNonPositiveK(t *testing.T) {
	if _, err := NewCodec(0, 2); err == nil {
		t.Fatalf("expected error for k=0")
	}
	if _, err := NewCodec(-1, 2); err == nil {
		t.Fatalf("expected error for negative k")
	}
}
