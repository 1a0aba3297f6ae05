package queue

import "time"

// Metrics is a point-in-time snapshot of queue activity.
type Metrics struct {
	Waiting   int
	Active    int
	Completed int64
	Failed    int64

	// JobCounts breaks down all known jobs by type.
	JobCounts map[string]int

	// AvgProcessingTime averages the most recent handler runs.
	AvgProcessingTime time.Duration

	// ErrorRate is failed / (completed + failed), 0 when nothing finished.
	ErrorRate float64

	// Throughput is completed jobs per second since the queue started.
	Throughput float64
}

// Metrics returns a snapshot of current queue activity.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := Metrics{
		Completed: q.completed,
		Failed:    q.failed,
		JobCounts: make(map[string]int),
	}

	for _, job := range q.jobs {
		m.JobCounts[job.Type]++
		switch job.Status {
		case StatusWaiting:
			m.Waiting++
		case StatusActive:
			m.Active++
		}
	}

	if n := len(q.durations); n > 0 {
		var total time.Duration
		for _, d := range q.durations {
			total += d
		}
		m.AvgProcessingTime = total / time.Duration(n)
	}

	if finished := q.completed + q.failed; finished > 0 {
		m.ErrorRate = float64(q.failed) / float64(finished)
	}

	if elapsed := time.Since(q.startedAt).Seconds(); elapsed > 0 {
		m.Throughput = float64(q.completed) / elapsed
	}

	return m
}
