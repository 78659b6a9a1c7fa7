package policy

import "time"

// Failure identifies one record a batch could not process.
type Failure struct {
	RecordID string `json:"record_id"`
	Error    string `json:"error"`
}

// BatchResult summarizes a batch operation for the notification layer.
type BatchResult struct {
	Operation  string    `json:"operation"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Failures   []Failure `json:"failures,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// NewBatchResult starts a summary for op.
func NewBatchResult(op string, start time.Time) BatchResult {
	return BatchResult{Operation: op, StartedAt: start}
}

// Fail records a failed record.
func (r *BatchResult) Fail(id string, err error) {
	r.Failed++
	r.Failures = append(r.Failures, Failure{RecordID: id, Error: err.Error()})
}

// Total is the number of records the batch looked at.
func (r BatchResult) Total() int { return r.Succeeded + r.Failed + r.Skipped }
