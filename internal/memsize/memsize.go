// Package memsize provides byte/bit size constants and human-readable
// formatting, mirroring the small utility the teacher threads through its
// bandwidth and storage configuration.
package memsize

import "fmt"

// Byte-based size constants.
const (
	B  uint64 = 1
	KB        = 1024 * B
	MB        = 1024 * KB
	GB        = 1024 * MB
)

// Bit-based size constants, used for bandwidth configuration.
const (
	Bit  uint64 = 1
	Kbit        = 1024 * Bit
	Mbit        = 1024 * Kbit
	Gbit        = 1024 * Mbit
)

// Format renders n bytes in the largest whole unit that keeps at least one
// digit before the decimal point.
func Format(n uint64) string {
	switch {
	case n >= GB:
		return fmt.Sprintf("%.2fGB", float64(n)/float64(GB))
	case n >= MB:
		return fmt.Sprintf("%.2fMB", float64(n)/float64(MB))
	case n >= KB:
		return fmt.Sprintf("%.2fKB", float64(n)/float64(KB))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

// BitFormat renders n bits in the largest whole unit that keeps at least one
// digit before the decimal point.
func BitFormat(n uint64) string {
	switch {
	case n >= Gbit:
		return fmt.Sprintf("%.2fGbit", float64(n)/float64(Gbit))
	case n >= Mbit:
		return fmt.Sprintf("%.2fMbit", float64(n)/float64(Mbit))
	case n >= Kbit:
		return fmt.Sprintf("%.2fKbit", float64(n)/float64(Kbit))
	default:
		return fmt.Sprintf("%dbit", n)
	}
}
