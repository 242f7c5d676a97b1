package ledger

// SetSegmentRemover replaces the function prune uses to delete a segment.
func SetSegmentRemover(l *FileLedger, fn func(name string) error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.removeSegment = fn
}
