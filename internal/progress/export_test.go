package progress

func (t *Tracker) active(reportID string) *fill {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fills[reportID]
}
