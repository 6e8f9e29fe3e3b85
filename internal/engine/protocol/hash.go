package protocol

import (
	"bytes"
	"hash/fnv"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// FlowHash returns a direction-independent hash of the datagram's addresses
// and ports, so both directions of a flow land on the same worker.
func FlowHash(data []byte) uint32 {
	ip, err := ParseIPv4(data)
	if err != nil {
		return 0
	}
	a := make([]byte, 0, 6)
	b := make([]byte, 0, 6)
	a = append(a, ip[12:16]...)
	b = append(b, ip[16:20]...)

	payload := ip[ip.HeaderLength():]
	switch ip.Protocol() {
	case uint8(header.TCPProtocolNumber), uint8(header.UDPProtocolNumber):
		if len(payload) >= 4 {
			a = append(a, payload[0:2]...)
			b = append(b, payload[2:4]...)
		}
	}
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}

	hasher := fnv.New32a()
	hasher.Write(a)
	hasher.Write(b)
	hasher.Write([]byte{ip.Protocol()})
	return hasher.Sum32()
}
