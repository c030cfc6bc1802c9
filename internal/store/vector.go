package store

import (
	"database/sql/driver"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"modernc.org/sqlite"
)

// Vectors are stored as packed little-endian float32 blobs.

// EncodeVector packs a vector into its blob form. Nil in, nil out.
func EncodeVector(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector unpacks a blob back into a vector. Nil or empty in, nil out.
func DecodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

var registerOnce sync.Once

// registerVectorFunc makes vec_cos_dist(a, b) available to every connection,
// so distance ranking and thresholds run inside the SQL engine.
func registerVectorFunc() {
	registerOnce.Do(func() {
		err := sqlite.RegisterDeterministicScalarFunction("vec_cos_dist", 2,
			func(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
				a, aok := args[0].([]byte)
				b, bok := args[1].([]byte)
				if !aok || !bok {
					return nil, nil
				}
				return cosineDistance(DecodeVector(a), DecodeVector(b))
			})
		if err != nil {
			panic("register vec_cos_dist: " + err.Error())
		}
	})
}

func cosineDistance(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0, fmt.Errorf("vec_cos_dist: dimension mismatch (%d vs %d)", len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1, nil
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB)), nil
}
