package security

import "github.com/wudi/pdfinspect/filters"

// Limits defines security boundaries for parsing and processing PDFs.
// These limits help prevent resource exhaustion attacks (e.g., zip bombs, stack overflows).
type Limits struct {
	// Maximum decompressed stream size regardless of declared length. Default: 256 MB.
	MaxDecompressedSize int64

	// Decoded output may not exceed this multiple of the declared /Length. Default: 100.
	DecompressionMultiplier int64

	// Smallest decoded-output bound, so tiny streams may still expand. Default: 1 MB.
	MinDecompressedBound int64

	// Maximum chain of indirect references followed while resolving one value. Default: 100.
	MaxIndirectDepth int

	// Maximum XRef chain depth (Prev entries). Default: 50.
	MaxXRefDepth int

	// Maximum string length (bytes). Default: 10 MB.
	MaxStringLength int64

	// Maximum raw stream length (bytes). Default: 50 MB.
	MaxStreamLength int64

	// Maximum array nesting depth. Default: 256.
	MaxArrayDepth int

	// Maximum dictionary nesting depth. Default: 256.
	MaxDictDepth int

	// Maximum objects visited by one validation walk. Default: 1,000,000.
	MaxTraversal int
}

// DefaultLimits returns a Limits struct with safe default values.
func DefaultLimits() Limits {
	return Limits{
		MaxDecompressedSize:     256 * 1024 * 1024, // 256 MB
		DecompressionMultiplier: 100,
		MinDecompressedBound:    1024 * 1024, // 1 MB
		MaxIndirectDepth:        100,
		MaxXRefDepth:            50,
		MaxStringLength:         10 * 1024 * 1024, // 10 MB
		MaxStreamLength:         50 * 1024 * 1024, // 50 MB
		MaxArrayDepth:           256,
		MaxDictDepth:            256,
		MaxTraversal:            1000000,
	}
}

// WithDefaults fills zero fields from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	d := DefaultLimits()
	if l.MaxDecompressedSize <= 0 {
		l.MaxDecompressedSize = d.MaxDecompressedSize
	}
	if l.DecompressionMultiplier <= 0 {
		l.DecompressionMultiplier = d.DecompressionMultiplier
	}
	if l.MinDecompressedBound <= 0 {
		l.MinDecompressedBound = d.MinDecompressedBound
	}
	if l.MaxIndirectDepth <= 0 {
		l.MaxIndirectDepth = d.MaxIndirectDepth
	}
	if l.MaxXRefDepth <= 0 {
		l.MaxXRefDepth = d.MaxXRefDepth
	}
	if l.MaxStringLength <= 0 {
		l.MaxStringLength = d.MaxStringLength
	}
	if l.MaxStreamLength <= 0 {
		l.MaxStreamLength = d.MaxStreamLength
	}
	if l.MaxArrayDepth <= 0 {
		l.MaxArrayDepth = d.MaxArrayDepth
	}
	if l.MaxDictDepth <= 0 {
		l.MaxDictDepth = d.MaxDictDepth
	}
	if l.MaxTraversal <= 0 {
		l.MaxTraversal = d.MaxTraversal
	}
	return l
}

// FilterLimits returns the decode bounds for the filter pipeline.
func (l Limits) FilterLimits() filters.Limits {
	return filters.Limits{
		MaxDecompressedSize: l.MaxDecompressedSize,
		Multiplier:          l.DecompressionMultiplier,
		MinBound:            l.MinDecompressedBound,
	}
}

// NestingDepth returns the parser nesting limit.
func (l Limits) NestingDepth() int {
	return max(l.MaxArrayDepth, l.MaxDictDepth)
}
