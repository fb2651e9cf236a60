package worker

import "sync/atomic"

// Stats is a point-in-time view of the reply pipeline.
type Stats struct {
	Running        int    `json:"running"`
	Idle           int    `json:"idle"`
	MinWorkers     int    `json:"min_workers"`
	MaxWorkers     int    `json:"max_workers"`
	Queued         int    `json:"queued"`
	WaitingCallers int    `json:"waiting_callers"`
	Completed      uint64 `json:"completed"`
	Failed         uint64 `json:"failed"`
	Expired        uint64 `json:"expired"`
	Rejected       uint64 `json:"rejected"`
}

type counters struct {
	completed atomic.Uint64
	failed    atomic.Uint64
	expired   atomic.Uint64
	rejected  atomic.Uint64
}

func (c *counters) fill(st *Stats) {
	st.Completed = c.completed.Load()
	st.Failed = c.failed.Load()
	st.Expired = c.expired.Load()
	st.Rejected = c.rejected.Load()
}
