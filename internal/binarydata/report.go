package binarydata

import "sync"

// DeleteStatus is the outcome for one identifier in a deletion sweep.
type DeleteStatus string

const (
	StatusDeleted DeleteStatus = "deleted"
	StatusMarked  DeleteStatus = "marked"
	// StatusSkipped means the identifier's mode has no enabled backend.
	StatusSkipped DeleteStatus = "skipped"
	StatusFailed  DeleteStatus = "failed"
)

type DeleteResult struct {
	Identifier string
	Mode       string
	Key        string
	Status     DeleteStatus
	Err        error
}

// DeleteReport collects per-identifier outcomes. Bulk deletions never fail as
// a whole; callers inspect the report instead.
type DeleteReport struct {
	mu      sync.Mutex
	Results []DeleteResult
	// DecodeErrors holds execution records whose data could not be read.
	DecodeErrors map[string]error
}

func (r *DeleteReport) add(res DeleteResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Results = append(r.Results, res)
}

func (r *DeleteReport) addDecodeError(recordID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.DecodeErrors == nil {
		r.DecodeErrors = map[string]error{}
	}
	r.DecodeErrors[recordID] = err
}

// Counts tallies results by status.
func (r *DeleteReport) Counts() map[DeleteStatus]int {
	out := map[DeleteStatus]int{}
	if r == nil {
		return out
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.Results {
		out[res.Status]++
	}
	return out
}

// Failed returns the results with StatusFailed.
func (r *DeleteReport) Failed() []DeleteResult {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []DeleteResult
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			out = append(out, res)
		}
	}
	return out
}
