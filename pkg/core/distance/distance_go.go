// Package distance provides functions for calculating vector distances.
// It supports the dot product, cosine and squared Euclidean metrics on float32
// vectors, plus float16 conversion helpers used for compact storage.
//
// Every metric is surfaced as a distance: lower means more similar.
// The float32 kernels run on Gonum's BLAS implementation, which handles SIMD
// dispatch internally.
package distance

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas/gonum"
)

func init() {
	// Override defaults with optimized versions from Gonum.
	float32Funcs[DotProduct] = dotProductAsDistanceGonum
	float32Funcs[Cosine] = dotProductAsDistanceGonum
	float32Funcs[Euclidean] = squaredEuclideanGonum
}

// LogEngineInfo reports which kernels are active and what the CPU offers.
func LogEngineInfo(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("compute engine: gonum BLAS",
		"cpu", cpuid.CPU.BrandName,
		"avx2", cpuid.CPU.Has(cpuid.AVX2),
		"fma3", cpuid.CPU.Has(cpuid.FMA3),
		"f16c", cpuid.CPU.Has(cpuid.F16C),
	)
}

// DistanceMetric defines the type of distance calculation to perform.
type DistanceMetric string

// PrecisionType defines the data type used for vector storage.
type PrecisionType string

const (
	// DotProduct is 1 - dot(a, b). Ranking follows descending raw dot product.
	DotProduct DistanceMetric = "dot"
	// Cosine is 1 - cos(a, b). Callers normalize vectors before comparing.
	Cosine DistanceMetric = "cosine"
	// Euclidean is the squared Euclidean distance.
	Euclidean DistanceMetric = "euclidean"

	// Float32 stores single-precision floats.
	Float32 PrecisionType = "float32"
	// Float16 stores IEEE half-precision floats.
	Float16 PrecisionType = "float16"
)

// ErrLengthMismatch is returned by the kernels for vectors of different length.
var ErrLengthMismatch = errors.New("vectors must have the same length")

// DistanceFuncF32 computes the distance between two float32 vectors.
type DistanceFuncF32 func(v1, v2 []float32) (float64, error)

// ParseMetric accepts the canonical metric names plus a few aliases.
func ParseMetric(s string) (DistanceMetric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dot", "dot_product", "dotproduct", "":
		return DotProduct, nil
	case "cosine", "cos":
		return Cosine, nil
	case "euclidean", "l2":
		return Euclidean, nil
	}
	return "", fmt.Errorf("unknown metric %q", s)
}

// ParsePrecision accepts "float32" (default) and "float16".
func ParsePrecision(s string) (PrecisionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "float32", "f32":
		return Float32, nil
	case "float16", "f16":
		return Float16, nil
	}
	return "", fmt.Errorf("unknown precision %q", s)
}

// diffWorkspace is a pool of float32 slices used to avoid allocations when
// computing the difference vector for the Euclidean distance.
var diffWorkspace = sync.Pool{
	New: func() interface{} {
		s := make([]float32, 512)
		return &s
	},
}

// --- REFERENCE IMPLEMENTATIONS (PURE GO) ---

func squaredEuclideanDistanceGo(v1, v2 []float32) (float64, error) {
	if len(v1) != len(v2) {
		return 0, ErrLengthMismatch
	}
	var sum float32
	for i := range v1 {
		diff := v1[i] - v2[i]
		sum += diff * diff
	}
	return float64(sum), nil
}

func dotProductAsDistanceGo(v1, v2 []float32) (float64, error) {
	dot, err := dotProductGo(v1, v2)
	if err != nil {
		return 0, err
	}
	return 1.0 - dot, nil
}

func dotProductGo(v1, v2 []float32) (float64, error) {
	if len(v1) != len(v2) {
		return 0, ErrLengthMismatch
	}
	var sum float32
	for i := range v1 {
		sum += v1[i] * v2[i]
	}
	return float64(sum), nil
}

// --- Gonum-based Implementations ---
var gonumEngine = gonum.Implementation{}

func squaredEuclideanGonum(v1, v2 []float32) (float64, error) {
	n := len(v1)
	if n != len(v2) {
		return 0, ErrLengthMismatch
	}
	if n == 0 {
		return 0, nil
	}

	diffPtr := diffWorkspace.Get().(*[]float32)
	defer diffWorkspace.Put(diffPtr)

	if cap(*diffPtr) < n {
		*diffPtr = make([]float32, n)
	}
	diff := (*diffPtr)[:n]

	copy(diff, v1)
	gonumEngine.Saxpy(n, -1, v2, 1, diff, 1)
	dot := gonumEngine.Sdot(n, diff, 1, diff, 1)

	return float64(dot), nil
}

func dotProductAsDistanceGonum(v1, v2 []float32) (float64, error) {
	if len(v1) != len(v2) {
		return 0, ErrLengthMismatch
	}
	if len(v1) == 0 {
		return 1, nil
	}
	dot := gonumEngine.Sdot(len(v1), v1, 1, v2, 1)
	return 1.0 - float64(dot), nil
}

// --- Function Catalog and Dispatcher ---

var float32Funcs = map[DistanceMetric]DistanceFuncF32{
	DotProduct: dotProductAsDistanceGo,
	Cosine:     dotProductAsDistanceGo,
	Euclidean:  squaredEuclideanDistanceGo,
}

// GetFloat32Func returns the distance function for a metric.
// For Cosine the returned function expects L2-normalized inputs.
func GetFloat32Func(metric DistanceMetric) (DistanceFuncF32, error) {
	fn, ok := float32Funcs[metric]
	if !ok {
		return nil, fmt.Errorf("metric '%s' not supported for float32 precision", metric)
	}
	return fn, nil
}

// --- Vector helpers ---

// Dot returns the raw dot product of two vectors of equal length.
func Dot(v1, v2 []float32) float64 {
	if len(v1) == 0 || len(v1) != len(v2) {
		return 0
	}
	return float64(gonumEngine.Sdot(len(v1), v1, 1, v2, 1))
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	return math.Sqrt(Dot(v, v))
}

// Normalize scales v in place to unit length. It reports false, leaving v
// untouched, when v has zero norm.
func Normalize(v []float32) bool {
	n := Norm(v)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return false
	}
	gonumEngine.Sscal(len(v), float32(1/n), v, 1)
	return true
}

// Normalized returns a unit-length copy of v, or nil for a zero vector.
func Normalized(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	if !Normalize(out) {
		return nil
	}
	return out
}

// IsFinite reports whether no component of v is NaN or infinite.
func IsFinite(v []float32) bool {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// MaxFloat16 is the largest finite half-precision value.
const MaxFloat16 = 65504

// ToFloat16 converts v to IEEE half-precision bit patterns.
func ToFloat16(v []float32) []uint16 {
	out := make([]uint16, len(v))
	for i, x := range v {
		out[i] = float16.Fromfloat32(x).Bits()
	}
	return out
}

// FromFloat16 expands half-precision bit patterns back to float32.
func FromFloat16(v []uint16) []float32 {
	out := make([]float32, len(v))
	for i, b := range v {
		out[i] = float16.Frombits(b).Float32()
	}
	return out
}
