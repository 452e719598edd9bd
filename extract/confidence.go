package extract

// confidenceOf scores an entity by its strongest validated mention. Entities
// the model reported without mentions fall back to the reported relevance.
func confidenceOf(reported float64, mentions []Mention) float64 {
	if len(mentions) == 0 {
		return clamp01(reported)
	}
	best := 0.0
	for _, m := range mentions {
		if m.Relevance > best {
			best = m.Relevance
		}
	}
	return best
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
