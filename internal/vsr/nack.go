package vsr

// CanNack reports whether this replica may safely assert that op never
// happened: it is not in recovering_head (its own head is unconfirmed),
// it has not seen op committed (commit_max < op) and it holds no header
// at all for op, valid or not. A replica failing this check
// might simply be missing a prepare it will eventually receive, so it
// must stay silent rather than assert the gap is real -- asserting a
// false gap during a view change could discard a committed op.
func (r *Replica) CanNack(op uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status != StatusRecoveringHead && r.commitMax < op && !r.journal.HasHeader(op)
}
