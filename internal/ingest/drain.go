package ingest

// Drain selects the next batch from the front of items.
//
// Items larger than maxMessageBytes are dropped permanently and only
// reported in dropped. Scanning stops at the first item that would push the
// batch past maxBatchBytes or past maxCount items (maxCount <= 0 means no
// count limit); that item and everything after it are returned in remaining
// in their original order. The input slice is never modified.
func Drain(items []*Item, maxCount, maxMessageBytes, maxBatchBytes int) (processed, remaining, dropped []*Item) {
	total := 0
	for i, it := range items {
		size := it.Size()
		if size > maxMessageBytes {
			dropped = append(dropped, it)
			continue
		}
		if (maxCount > 0 && len(processed) >= maxCount) || total+size > maxBatchBytes {
			remaining = append(remaining, items[i:]...)
			return processed, remaining, dropped
		}
		processed = append(processed, it)
		total += size
	}
	return processed, remaining, dropped
}
