package cluster

import (
	"math"
	"strconv"
	"time"
)

// SuspicionTimeout is how long a member stays SUSPECT before it is declared
// DEAD: mult * ceil(log10(clusterSize+1)) * pingInterval.
func SuspicionTimeout(mult, clusterSize int, pingInterval time.Duration) time.Duration {
	scale := int(math.Ceil(math.Log10(float64(clusterSize + 1))))
	if scale < 1 {
		scale = 1
	}
	return time.Duration(mult*scale) * pingInterval
}

// GossipPeriodsToSpread is the number of rounds an item is forwarded before
// it is considered spread: repeatMult * ceil(log2(clusterSize+1)).
func GossipPeriodsToSpread(repeatMult, clusterSize int) int {
	scale := int(math.Ceil(math.Log2(float64(clusterSize + 1))))
	if scale < 1 {
		scale = 1
	}
	return repeatMult * scale
}

// GossipPeriodsToSweep is how long the id of a spread item stays in the seen
// window so that late duplicates are still recognized.
func GossipPeriodsToSweep(repeatMult, clusterSize int) int {
	return 2 * (GossipPeriodsToSpread(repeatMult, clusterSize) + 1)
}

func itoa(v uint64) string { return strconv.FormatUint(v, 10) }
