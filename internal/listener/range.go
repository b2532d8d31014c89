package listener

import "fmt"

// BlockRange represents an inclusive block range.
type BlockRange struct {
	From uint64
	To   uint64
}

// SplitRange splits [from, to] into consecutive batches of at most batchSize
// blocks. A positive maxBatches caps how many batches are returned, so one
// poll never walks an unbounded backlog.
func SplitRange(from, to, batchSize uint64, maxBatches int) ([]BlockRange, error) {
	if batchSize == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("to block must be >= from block")
	}

	ranges := make([]BlockRange, 0)
	for start := from; ; {
		end := to
		if to-start+1 > batchSize {
			end = start + batchSize - 1
		}
		ranges = append(ranges, BlockRange{From: start, To: end})
		if end == to || (maxBatches > 0 && len(ranges) == maxBatches) {
			break
		}
		start = end + 1
	}

	return ranges, nil
}
