package base

// LBA is a signed 64-bit sector index. Sectors are 512 bytes.
type LBA int64

const (
	// SectorSize is the size in bytes of one sector, the unit LBAs address.
	SectorSize = 512

	// BatchSize is the maximum size in bytes of an in-memory batch before it
	// is sealed and handed to an upload worker.
	BatchSize = 8 << 20

	// CacheLineSectors is the number of 512-byte sectors in one read-cache
	// line (64 KiB).
	CacheLineSectors = 128

	// CacheLineBytes is the byte size of one read-cache line.
	CacheLineBytes = CacheLineSectors * SectorSize

	// NVMeBlockSize is the size in bytes of one NVMe journal block.
	NVMeBlockSize = 4096

	// NVMeBlockSectors is the number of 512-byte sectors in one NVMe block.
	NVMeBlockSectors = NVMeBlockSize / SectorSize

	// CheckpointInterval is the default number of batches between automatic
	// checkpoints.
	CheckpointInterval = 100
)

// SectorsToBytes converts a sector count to a byte count.
func SectorsToBytes(sectors int64) int64 { return sectors * SectorSize }

// BytesToSectors converts a byte count to a sector count, rounding down.
func BytesToSectors(bytes int64) int64 { return bytes / SectorSize }

// DivRoundUp divides n by m, rounding up.
func DivRoundUp(n, m int64) int64 {
	return (n + m - 1) / m
}

// RoundUp rounds n up to the nearest multiple of m.
func RoundUp(n, m int64) int64 {
	return m * DivRoundUp(n, m)
}
