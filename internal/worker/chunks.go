package worker

// SplitChunks divides items into w contiguous chunks whose sizes differ by at most one.
// The first len(items)%w chunks get the extra item. w below 1 is treated as 1.
func SplitChunks(items []string, w int) [][]string {
	if w < 1 {
		w = 1
	}
	base, extra := len(items)/w, len(items)%w
	chunks := make([][]string, 0, w)
	start := 0
	for i := 0; i < w; i++ {
		end := start + base
		if i < extra {
			end++
		}
		chunks = append(chunks, items[start:end:end])
		start = end
	}

	return chunks
}

// FilterKnown drops items that are already stored and reports how many were dropped.
func FilterKnown(items []string, known map[string]struct{}) ([]string, int) {
	if len(known) == 0 {
		return items, 0
	}
	todo := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := known[item]; ok {
			continue
		}
		todo = append(todo, item)
	}

	return todo, len(items) - len(todo)
}
