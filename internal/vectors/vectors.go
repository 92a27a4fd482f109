// Package vectors provides the embedding-vector math shared by the
// grouping engine and the store.
package vectors

import (
	"encoding/binary"
	"math"
)

// Dot returns the dot product of two vectors. For unit-normalized inputs
// this is the cosine similarity. Mismatched lengths yield 0.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns a unit-length copy of v. A zero vector is returned
// unchanged rather than dividing by zero.
func Normalize(v []float32) []float32 {
	n := Norm(v)
	out := make([]float32, len(v))
	if n == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

// UpdateCentroid folds a new member vector into a group centroid that
// currently represents n members, returning the unit-normalized result:
//
//	normalize(old*n/(n+1) + vec*1/(n+1))
//
// vec is normalized before mixing so a non-unit input cannot skew the
// centroid. n < 1 is treated as 1. A centroid whose dimension differs from
// vec (stale after an embedding-model change) is reseeded from vec.
func UpdateCentroid(old []float32, n int, vec []float32) []float32 {
	if len(old) == 0 || len(old) != len(vec) {
		return Normalize(vec)
	}
	if n < 1 {
		n = 1
	}
	unit := Normalize(vec)
	mixed := make([]float32, len(old))
	fn := float64(n)
	for i := range old {
		mixed[i] = float32((float64(old[i])*fn + float64(unit[i])) / (fn + 1))
	}
	return Normalize(mixed)
}

// Encode converts a vector to little-endian float32 bytes for BLOB storage.
func Encode(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// Decode converts little-endian bytes back to a float32 slice.
// Returns nil for input whose length is not a multiple of 4.
func Decode(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
