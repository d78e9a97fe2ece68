package rs

import "fmt"

// ErrShardSizeMismatch is returned when shard lengths disagree; mirrors
// FecError::ShardSizeMismatch from spec §7.
var ErrShardSizeMismatch = fmt.Errorf("rs: shard size mismatch")

// ErrSingular surfaces errSingular through the package API as
// FecError::Singular (spec §4.3, §7).
var ErrSingular = errSingular

// ErrNotEnoughShards is returned by DecodeMissing when fewer than k
// shards are present.
var ErrNotEnoughShards = fmt.Errorf("rs: fewer than k shards present")

// Codec is a systematic RS(k+m, k) erasure code instance over GF(2^8).
// Construction: an (n x k) Vandermonde matrix G (entry[i][j] = (i+1)^j)
// is right-multiplied by the inverse of its own top k x k block, so the
// first k rows of the resulting systematic matrix are the identity —
// the first k shards of an encoded group are exactly the original data,
// and the remaining m rows are parity coefficients (spec §4.3).
type Codec struct {
	k, m       int
	systematic matrix // (k+m) x k
}

// NewCodec builds a Codec for k data shards and m parity shards.
// k must be in [1,64] and m in [0,32] per spec §4.4's FecConfig bounds,
// though Codec itself does not enforce those bounds. Configured values
// are clamped by config.ValidateTiered; fec.NewSender checks only that
// k is positive and m non-negative, and the fec Receiver builds codecs
// from received FecGroupMetadata values as they arrive.
func NewCodec(k, m int) (*Codec, error) {
	if k <= 0 {
		return nil, fmt.Errorf("rs: k must be positive, got %d", k)
	}
	if m < 0 {
		return nil, fmt.Errorf("rs: m must be non-negative, got %d", m)
	}

	gen := vandermonde(k+m, k)
	top := gen[:k]
	topInv, err := matrix(top).invert()
	if err != nil {
		return nil, fmt.Errorf("rs: constructing systematic matrix: %w", err)
	}

	systematic := gen.multiply(topInv)
	return &Codec{k: k, m: m, systematic: systematic}, nil
}

// DataShards returns k.
func (c *Codec) DataShards() int { return c.k }

// ParityShards returns m.
func (c *Codec) ParityShards() int { return c.m }

// TotalShards returns k+m.
func (c *Codec) TotalShards() int { return c.k + c.m }

func (c *Codec) checkShardSet(shards [][]byte) (int, error) {
	if len(shards) != c.k+c.m {
		return 0, fmt.Errorf("%w: got %d shards, want %d", ErrShardSizeMismatch, len(shards), c.k+c.m)
	}
	shardLen := -1
	for _, s := range shards {
		if s == nil {
			continue
		}
		if shardLen == -1 {
			shardLen = len(s)
		} else if len(s) != shardLen {
			return 0, ErrShardSizeMismatch
		}
	}
	if shardLen == -1 {
		return 0, fmt.Errorf("%w: no shards populated", ErrShardSizeMismatch)
	}
	return shardLen, nil
}

// EncodeParity requires shards[0:k] to be populated and of equal length;
// it fills shards[k:k+m] with the corresponding parity bytes so the
// systematic rows reproduce the data (spec §4.3).
func (c *Codec) EncodeParity(shards [][]byte) error {
	if len(shards) != c.k+c.m {
		return fmt.Errorf("%w: got %d shards, want %d", ErrShardSizeMismatch, len(shards), c.k+c.m)
	}
	shardLen := -1
	for i := 0; i < c.k; i++ {
		if shards[i] == nil {
			return fmt.Errorf("rs: data shard %d is nil", i)
		}
		if shardLen == -1 {
			shardLen = len(shards[i])
		} else if len(shards[i]) != shardLen {
			return ErrShardSizeMismatch
		}
	}

	for row := c.k; row < c.k+c.m; row++ {
		if shards[row] == nil || len(shards[row]) != shardLen {
			shards[row] = make([]byte, shardLen)
		}
		out := shards[row]
		for b := 0; b < shardLen; b++ {
			out[b] = 0
		}
		coeffs := c.systematic[row]
		for j := 0; j < c.k; j++ {
			coeff := coeffs[j]
			if coeff == 0 {
				continue
			}
			data := shards[j]
			for b := 0; b < shardLen; b++ {
				out[b] = gfAdd(out[b], gfMul(coeff, data[b]))
			}
		}
	}
	return nil
}

// DecodeMissing requires popcount(present) >= k. It reconstructs any
// missing data shards (shards[0:k]) in place, then re-derives parity
// shards (shards[k:k+m]) so the caller's view of the full group is
// consistent. Reconstruction is deterministic and bit-exact (spec §4.3,
// §8): for the same inputs, any correct implementation yields identical
// outputs.
func (c *Codec) DecodeMissing(shards [][]byte, present []bool) error {
	if len(shards) != c.k+c.m || len(present) != c.k+c.m {
		return fmt.Errorf("%w: got %d shards, want %d", ErrShardSizeMismatch, len(shards), c.k+c.m)
	}

	presentCount := 0
	for _, p := range present {
		if p {
			presentCount++
		}
	}
	if presentCount < c.k {
		return ErrNotEnoughShards
	}

	shardLen := 0
	rowIdx := make([]int, 0, c.k)
	for i := 0; i < c.k+c.m && len(rowIdx) < c.k; i++ {
		if !present[i] {
			continue
		}
		if shards[i] == nil {
			return fmt.Errorf("rs: shard %d marked present but nil", i)
		}
		if shardLen == 0 {
			shardLen = len(shards[i])
		} else if len(shards[i]) != shardLen {
			return ErrShardSizeMismatch
		}
		rowIdx = append(rowIdx, i)
	}

	allDataPresent := true
	for i := 0; i < c.k; i++ {
		if !present[i] {
			allDataPresent = false
			break
		}
	}

	if !allDataPresent {
		sub := matrix(c.systematic).submatrix(rowIdx)
		subInv, err := sub.invert()
		if err != nil {
			return fmt.Errorf("%w", ErrSingular)
		}

		recovered := make(matrix, c.k)
		for i := range recovered {
			recovered[i] = make([]byte, shardLen)
		}
		for b := 0; b < shardLen; b++ {
			for out := 0; out < c.k; out++ {
				var acc byte
				for in, row := range rowIdx {
					coeff := subInv[out][in]
					if coeff == 0 {
						continue
					}
					acc = gfAdd(acc, gfMul(coeff, shards[row][b]))
				}
				recovered[out][b] = acc
			}
		}
		for i := 0; i < c.k; i++ {
			if !present[i] {
				shards[i] = recovered[i]
			}
		}
	}

	for row := c.k; row < c.k+c.m; row++ {
		if present[row] {
			continue
		}
		out := make([]byte, shardLen)
		coeffs := c.systematic[row]
		for j := 0; j < c.k; j++ {
			coeff := coeffs[j]
			if coeff == 0 {
				continue
			}
			data := shards[j]
			for b := 0; b < shardLen; b++ {
				out[b] = gfAdd(out[b], gfMul(coeff, data[b]))
			}
		}
		shards[row] = out
	}

	return nil
}
