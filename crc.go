// Package lnrouter contains the checksum, validation, and protocol-number
// primitives shared by the link-layer frame codecs (ethernet, arp, ipv4,
// ipv4/icmpv4) and the router that composes them.
package lnrouter

import "encoding/binary"

// CRC791 implements the Internet checksum defined by RFC 791: the 16-bit
// one's complement of the one's complement sum of all 16-bit words in the
// checksummed region, with the checksum field itself treated as zero.
//
// The zero value is ready to use.
type CRC791 struct {
	sum uint32
}

func checksum16(sum uint32) uint16 {
	sum = (sum & 0xffff) + sum>>16
	// the max value of sum at this point is 0x1fffe, so an additional round is enough
	return ^uint16(sum + sum>>16)
}

// Write adds the bytes in buf to the running checksum. buf may have odd
// length; a trailing single byte is treated as the high byte of a
// zero-padded 16-bit word, per RFC 791.
func (c *CRC791) Write(buf []byte) {
	odd := len(buf) & 1
	even := buf[:len(buf)-odd]
	for i := 0; i < len(even); i += 2 {
		c.sum += uint32(binary.BigEndian.Uint16(even[i:]))
	}
	if odd > 0 {
		c.sum += uint32(buf[len(buf)-1]) << 8
	}
}

// AddUint32 adds a 32-bit value to the running checksum, interpreted as
// network byte order.
func (c *CRC791) AddUint32(value uint32) {
	c.AddUint16(uint16(value >> 16))
	c.AddUint16(uint16(value))
}

// AddUint16 adds a 16-bit value to the running checksum, interpreted as
// network byte order.
func (c *CRC791) AddUint16(value uint16) {
	c.sum += uint32(value)
}

// Sum16 folds and complements the running sum into the final checksum.
func (c *CRC791) Sum16() uint16 {
	return checksum16(c.sum)
}

// Reset zeros out the CRC791, resetting it to the initial state.
func (c *CRC791) Reset() { *c = CRC791{} }

// NeverZeroChecksum ensures that the given checksum is not zero, by returning 0xffff instead.
func NeverZeroChecksum(sum16 uint16) uint16 {
	// 0x0000 and 0xffff are the same number in ones' complement math
	if sum16 == 0 {
		return 0xffff
	}
	return sum16
}
