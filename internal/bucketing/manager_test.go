package bucketing

import (
	"fmt"
	"testing"
	"time"

	"github.com/spaolacci/murmur3"
	"github.com/stretchr/testify/require"
)

func TestEventBucketIsStableAndInRange(t *testing.T) {
	bm := NewBucketingManager(64)
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("+9198765%05d", i)
		b := bm.GetEventBucket(id)
		require.GreaterOrEqual(t, b, 0)
		require.Less(t, b, 64)
		require.Equal(t, b, bm.GetEventBucket(id))
		require.Equal(t, int(murmur3.Sum64([]byte(id))%64), b)
	}
}

func TestEventBucketSpreads(t *testing.T) {
	bm := NewBucketingManager(16)
	seen := map[int]bool{}
	for i := 0; i < 1000; i++ {
		seen[bm.GetEventBucket(fmt.Sprintf("user%d@example.com", i))] = true
	}
	require.Len(t, seen, 16)
}

func TestBucketDefaults(t *testing.T) {
	bm := NewBucketingManager(0)
	require.Equal(t, 1, bm.GetEventBuckets())
	require.Equal(t, 0, bm.GetEventBucket("anything"))

	ts := time.Date(2026, 5, 4, 23, 59, 59, 0, time.FixedZone("IST", 5*3600+1800))
	require.Equal(t, "2026-05-04", bm.GetDateBucket(ts))
}
