// Package random provides the random values used by handshake probes.
package random

import "math/rand/v2"

// Seq returns a random initial sequence number. It never returns 0, which
// marks an unset sequence.
func Seq() uint32 {
	for {
		if v := rand.Uint32(); v != 0 {
			return v
		}
	}
}

// Port returns a random port in [1024, 65535].
func Port() uint16 {
	return uint16(1024 + rand.IntN(65536-1024))
}

// Uint32 returns a random 32-bit value.
func Uint32() uint32 {
	return rand.Uint32()
}
