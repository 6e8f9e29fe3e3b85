package protocol

import "gvisor.dev/gvisor/pkg/tcpip/checksum"

// Replace32 returns the checksum field value after a 32-bit header word
// changes from "from" to "to", following RFC 1624 (HC' = ~(~HC + ~m + m')).
func Replace32(sum uint16, from, to uint32) uint16 {
	s := checksum.Combine(^sum, ^uint16(from>>16))
	s = checksum.Combine(s, ^uint16(from))
	s = checksum.Combine(s, uint16(to>>16))
	s = checksum.Combine(s, uint16(to))
	return ^s
}

// Replace16 is Replace32 for a single 16-bit word.
func Replace16(sum, from, to uint16) uint16 {
	s := checksum.Combine(^sum, ^from)
	s = checksum.Combine(s, to)
	return ^s
}
