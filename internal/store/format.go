package store

import "fmt"

// Index value layout
//
//	SSSS SSSS SSSS SSSS OOOO ... OOOO OOOO FFFF
//	 size (16 bits)      offset (44 bits)   flags
//
// Offsets are 16-byte aligned, which frees the low nibble for flags.
const (
	MaskOffset  uint64 = 0x0000FFFFFFFFFFF0
	MaskLinked  uint64 = 0x8
	MaskUnused  uint64 = 0x4
	MaskArchive uint64 = 0x2
	// bit 0x1 is reserved and always written as zero

	MaskFlags uint64 = 0xF
	sizeShift        = 48
)

const (
	// NullRecordSize marks a recid holding a null value.
	NullRecordSize = 0xFFFF
	// DeletedRecordSize marks a released recid.
	DeletedRecordSize = 0xFFFE
	// MaxRecordSize is the largest physical segment, link header included.
	MaxRecordSize = 0xFFFF - 16

	// NumberOfSpaceSlots is the number of free-space size classes.
	NumberOfSpaceSlots = 1 + MaxRecordSize/16

	// linkSize is the length of the next-segment pointer at the start of
	// every linked segment.
	linkSize = 8
)

// Header field offsets.
const (
	headerMagic      = 0
	headerUUID       = 8
	headerFreePages  = 24
	headerDataTail   = 32
	headerIndexTail  = 40
	headerFileTail   = 48
	headerFirstIndex = 56
	headerFreeRecids = 64
	headerFreeSpace  = 72
	headerSize       = headerFreeSpace + 8*NumberOfSpaceSlots
)

const storeMagic uint64 = 0x5245435354523031 // "RECSTR01"

// Reserved recids.
const (
	RecidNameCatalog  uint64 = 1
	RecidLastReserved uint64 = 7
)

// IndexValue packs a segment location and its flags into one word.
func IndexValue(size int, offset uint64, flags uint64) uint64 {
	return uint64(size)<<sizeShift | offset&MaskOffset | flags&MaskFlags
}

// IndexSize extracts the segment size from an index value.
func IndexSize(v uint64) int {
	return int(v >> sizeShift)
}

// IndexOffset extracts the segment offset from an index value.
func IndexOffset(v uint64) uint64 {
	return v & MaskOffset
}

func isLinked(v uint64) bool { return v&MaskLinked != 0 }

// round16 rounds n up to the 16-byte allocation granularity.
func round16(n int) int {
	return (n + 15) &^ 15
}

// sizeClass returns the free-space slot for an allocation of n bytes.
func sizeClass(n int) int {
	return round16(n) / 16
}

func freeSpaceSlot(class int) int64 {
	if class <= 0 || class >= NumberOfSpaceSlots+1 {
		panic(fmt.Sprintf("store: size class %d out of range", class))
	}
	return headerFreeSpace + int64(class-1)*8
}

// nullIndex and deletedIndex are the index values of null and released
// recids.
var (
	nullIndex    = IndexValue(NullRecordSize, 0, 0)
	deletedIndex = IndexValue(DeletedRecordSize, 0, MaskUnused)
)

func isDeleted(v uint64) bool { return IndexSize(v) == DeletedRecordSize }

func isNull(v uint64) bool { return IndexSize(v) == NullRecordSize }
