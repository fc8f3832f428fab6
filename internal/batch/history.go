package batch

import "time"

// Seed loads past runs (oldest first) into the in-memory history and
// restores the cooldown reference from the newest decided run.
func (c *Coordinator) Seed(runs []Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(append([]Run(nil), runs...), c.history...)
	c.trimHistoryLocked()
}

// resync replaces history with the runs read back from storage, which
// include runs finished by other processes sharing it.
func (c *Coordinator) resync(runs []Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append([]Run(nil), runs...)
	c.trimHistoryLocked()
}

// trimHistoryLocked bounds history and advances the cooldown reference.
func (c *Coordinator) trimHistoryLocked() {
	if over := len(c.history) - c.cfg.HistorySize; over > 0 {
		c.history = c.history[over:]
	}
	for i := len(c.history) - 1; i >= 0; i-- {
		if r := c.history[i]; r.Status != StatusSkipped {
			if r.StartedAt.After(c.lastStart) {
				c.lastStart = r.StartedAt
			}
			break
		}
	}
}

// History returns up to n most recent runs, newest last. n <= 0 returns all.
func (c *Coordinator) History(n int) []Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.history
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	return append([]Run(nil), h...)
}

// RecentHistory summarizes up to n most recent runs for the decision-maker.
func (c *Coordinator) RecentHistory(n int) []Summary {
	runs := c.History(n)
	out := make([]Summary, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Summary())
	}
	return out
}

// Performance aggregates a window of run summaries.
type Performance struct {
	Runs         int     `json:"runs"`
	Attempted    int     `json:"attempted"`
	Succeeded    int     `json:"succeeded"`
	SuccessRate  float64 `json:"success_rate"`
	AvgBatchSize float64 `json:"avg_batch_size"`
}

// Measure computes success rate and average batch size over runs that
// executed at least one item.
func Measure(history []Summary) Performance {
	var p Performance
	for _, s := range history {
		n := s.SuccessCount + s.FailedCount
		if n == 0 || s.RequestedCount == 0 {
			continue
		}
		p.Runs++
		p.Attempted += n
		p.Succeeded += s.SuccessCount
	}
	if p.Attempted > 0 {
		p.SuccessRate = float64(p.Succeeded) / float64(p.Attempted)
	}
	if p.Runs > 0 {
		p.AvgBatchSize = float64(p.Attempted) / float64(p.Runs)
	}
	return p
}

// LastStart returns when the last decided run began.
func (c *Coordinator) LastStart() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStart
}
