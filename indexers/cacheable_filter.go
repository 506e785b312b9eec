package indexers

import "github.com/btcsuite/btcd/btcutil/gcs"

// CacheableFilter is a wrapper around the gcs.Filter type which provides a
// Size method used by the cache to target certain memory usage.
type CacheableFilter struct {
	*gcs.Filter
}

// Size returns the size of this filter in bytes.
func (c *CacheableFilter) Size() (uint64, error) {
	f, err := c.Filter.NBytes()
	if err != nil {
		return 0, err
	}

	return uint64(len(f)), nil
}
