package core

// DetectLevelUp reports whether moving from previous to current deserves the
// celebratory notification. A nil previous (first computation) and downgrades
// never fire.
func DetectLevelUp(previous *TierDefinition, current TierDefinition) bool {
	if previous == nil {
		return false
	}
	return current.ID != previous.ID && current.ID > previous.ID
}
