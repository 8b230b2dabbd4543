// Package crc computes the CRC32 variant used by the bootloader to
// guard the UpgradeInfo sequence counter against torn flash writes.
//
// This is not the stdlib's crc32.ChecksumIEEE: the bootloader ROM routine
// seeds with zero and never complements its output, while the stdlib's
// top-level helpers both seed and XOR-out with 0xFFFFFFFF. The underlying
// polynomial is the same reflected 0xEDB88320 either way, so the table is
// borrowed from hash/crc32 and driven by hand.
package crc

import "hash/crc32"

var table = crc32.MakeTable(crc32.IEEE)

// CRC32 computes the bootloader-compatible checksum over b: zero-seeded,
// table-driven, no final complement.
func CRC32(b []byte) uint32 {
	var crc uint32
	for _, v := range b {
		crc = table[byte(crc)^v] ^ (crc >> 8)
	}
	return crc
}
