package gen4

// crc16 computes the CRC-16/CCITT checksum (polynomial 0x1021, initial
// value 0xffff) the controller stores after each configuration block.
func crc16(data []byte) uint16 {
	crc := uint16(0xffff)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
