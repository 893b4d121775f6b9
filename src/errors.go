package attnflow

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Sentinel errors wrapped by *Error, for use with errors.Is.
var (
	ErrShapeMismatch  = errors.New("shape mismatch")
	ErrInvalidConfig  = errors.New("invalid config")
	ErrUnknownVariant = errors.New("unknown variant")
	ErrNonFinite      = errors.New("non-finite values")
)

// TensorInfo captures tensor state for error reporting
type TensorInfo struct {
	Shape      []int
	Size       int
	NaNCount   int
	InfCount   int
	MinValue   float64
	MaxValue   float64
	BadIndices []int // First 10 corrupted indices
}

// Format returns a compact string representation
func (t *TensorInfo) Format() string {
	s := fmt.Sprintf("%v size=%d", t.Shape, t.Size)
	if t.NaNCount > 0 || t.InfCount > 0 {
		s += fmt.Sprintf(" (corrupt: %d NaN, %d Inf)", t.NaNCount, t.InfCount)
	} else {
		s += fmt.Sprintf(" range=[%.4g, %.4g]", t.MinValue, t.MaxValue)
	}
	return s
}

// Error is the standard error type for attnflow
type Error struct {
	Component    string      // "Attention", "Sinkhorn", "Config", ...
	ErrorType    string      // "shape mismatch", "unknown variant", ...
	Phase        string      // "build", "forward", "solve"
	LayerIndex   int         // -1 when not inside a layer stack
	InputInfo    *TensorInfo // nil if not relevant
	ExpectedInfo string      // what was expected
	Cause        string      // human-readable cause
	Err          error       // sentinel, see Unwrap
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "attnflow: %s %s", e.Component, e.ErrorType)
	if e.Phase != "" {
		fmt.Fprintf(&b, " during %s", e.Phase)
	}
	if e.LayerIndex >= 0 {
		fmt.Fprintf(&b, " at layer %d", e.LayerIndex)
	}
	if e.InputInfo != nil {
		fmt.Fprintf(&b, "\n  input:    %s", e.InputInfo.Format())
	}
	if e.ExpectedInfo != "" {
		fmt.Fprintf(&b, "\n  expected: %s", e.ExpectedInfo)
	}
	fmt.Fprintf(&b, "\n  cause:    %s", e.Cause)

	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func shapeError(component, phase, expected, format string, args ...any) *Error {
	return &Error{
		Component:    component,
		ErrorType:    "shape mismatch",
		Phase:        phase,
		LayerIndex:   -1,
		ExpectedInfo: expected,
		Cause:        fmt.Sprintf(format, args...),
		Err:          ErrShapeMismatch,
	}
}

func configError(format string, args ...any) *Error {
	return &Error{
		Component:  "Config",
		ErrorType:  "invalid value",
		Phase:      "build",
		LayerIndex: -1,
		Cause:      fmt.Sprintf(format, args...),
		Err:        ErrInvalidConfig,
	}
}

func variantError(axis, value string, known []string) *Error {
	return &Error{
		Component:    "Config",
		ErrorType:    "unknown variant",
		Phase:        "build",
		LayerIndex:   -1,
		ExpectedInfo: fmt.Sprintf("%s in {%s}", axis, strings.Join(known, ", ")),
		Cause:        fmt.Sprintf("%s %q is not recognized", axis, value),
		Err:          ErrUnknownVariant,
	}
}

// ScanTensor checks for NaN/Inf and collects stats
func ScanTensor(t *Tensor) *TensorInfo {
	if t == nil {
		return nil
	}

	info := &TensorInfo{
		Shape:      t.Shape(),
		Size:       len(t.data),
		MinValue:   math.Inf(1),
		MaxValue:   math.Inf(-1),
		BadIndices: make([]int, 0, 10),
	}

	for i, v := range t.data {
		if math.IsNaN(v) {
			info.NaNCount++
			if len(info.BadIndices) < 10 {
				info.BadIndices = append(info.BadIndices, i)
			}
		} else if math.IsInf(v, 0) {
			info.InfCount++
			if len(info.BadIndices) < 10 {
				info.BadIndices = append(info.BadIndices, i)
			}
		} else {
			info.MinValue = math.Min(info.MinValue, v)
			info.MaxValue = math.Max(info.MaxValue, v)
		}
	}

	// Handle empty or all-corrupt tensors
	if math.IsInf(info.MinValue, 1) {
		info.MinValue = 0
	}
	if math.IsInf(info.MaxValue, -1) {
		info.MaxValue = 0
	}

	return info
}

// checkFinite returns an *Error when t holds NaN or Inf values.
func checkFinite(t *Tensor, component string, layerIndex int) error {
	info := ScanTensor(t)
	if info == nil || (info.NaNCount == 0 && info.InfCount == 0) {
		return nil
	}
	return &Error{
		Component:  component,
		ErrorType:  "non-finite output",
		Phase:      "forward",
		LayerIndex: layerIndex,
		InputInfo:  info,
		Cause:      fmt.Sprintf("%d NaN, %d Inf values at indices %v", info.NaNCount, info.InfCount, info.BadIndices),
		Err:        ErrNonFinite,
	}
}
