package transcribe

import "time"

// chunk is one recognition window over the full buffer. The ownership region
// [ownStart, ownEnd) decides which chunk reports a segment whose midpoint
// falls inside an overlap.
type chunk struct {
	index    int
	start    time.Duration
	end      time.Duration
	ownStart time.Duration
	ownEnd   time.Duration
}

func (c chunk) center() time.Duration {
	return c.start + (c.end-c.start)/2
}

func (c chunk) owns(mid time.Duration, last bool) bool {
	if mid < c.ownStart {
		return false
	}
	if last {
		return mid <= c.ownEnd
	}
	return mid < c.ownEnd
}

// planChunks splits total into windows advanced by window-overlap. The final
// window is truncated at total. Each internal boundary sits at the midpoint of
// the overlap between neighbouring windows.
func planChunks(total, window, overlap time.Duration) []chunk {
	if total <= 0 || window <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= window {
		overlap = 0
	}
	stride := window - overlap

	var chunks []chunk
	for start := time.Duration(0); ; start += stride {
		end := start + window
		if end > total {
			end = total
		}
		chunks = append(chunks, chunk{index: len(chunks), start: start, end: end})
		if end >= total {
			break
		}
	}

	for i := range chunks {
		if i == 0 {
			chunks[i].ownStart = 0
		} else {
			chunks[i].ownStart = chunks[i].start + overlap/2
		}
		if i == len(chunks)-1 {
			chunks[i].ownEnd = total
		} else {
			chunks[i].ownEnd = chunks[i+1].start + overlap/2
		}
	}
	return chunks
}
