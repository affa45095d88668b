package upload

// IsComplete reports whether indices holds every integer in [1, total]
// exactly once. A matching count alone is not enough: duplicates or
// out-of-range entries never satisfy completion.
func IsComplete(indices []int, total int) bool {
	if total < 1 || len(indices) != total {
		return false
	}
	seen := make([]bool, total+1)
	for _, i := range indices {
		if i < 1 || i > total || seen[i] {
			return false
		}
		seen[i] = true
	}
	return true
}

// Missing lists the indices in [1, total] absent from indices, ascending.
func Missing(indices []int, total int) []int {
	if total < 1 {
		return nil
	}
	seen := make([]bool, total+1)
	for _, i := range indices {
		if i >= 1 && i <= total {
			seen[i] = true
		}
	}
	var missing []int
	for i := 1; i <= total; i++ {
		if !seen[i] {
			missing = append(missing, i)
		}
	}
	return missing
}
