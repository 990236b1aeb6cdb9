package dma

// Cache is the data cache between the CPU and DMA-visible memory.
//
// Flush writes back a range software produced before the controller reads
// it. Invalidate discards stale lines before software reads a range the
// controller wrote.
type Cache interface {
	Flush(b []byte)
	Invalidate(b []byte)
}

// NoCache is the Cache of a target without a data cache.
type NoCache struct{}

func (NoCache) Flush([]byte)      {}
func (NoCache) Invalidate([]byte) {}
