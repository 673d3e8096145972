package store

// TrimWindow bounds the working history to the most recent limit turns,
// dropping oldest first. Pure recency, no importance weighting.
func TrimWindow(turns []Turn, limit int) []Turn {
	if limit <= 0 || len(turns) <= limit {
		return turns
	}
	return turns[len(turns)-limit:]
}
