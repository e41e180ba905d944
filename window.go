package bastion

// outcomeWindow is a fixed-capacity ring of success/failure outcomes used
// to compute the live failure rate. Oldest outcomes are evicted on
// overflow. Not safe for concurrent use; callers hold the breaker lock.
type outcomeWindow struct {
	outcomes []bool
	head     int
	size     int
	failures int
}

func newOutcomeWindow(capacity int) *outcomeWindow {
	return &outcomeWindow{outcomes: make([]bool, capacity)}
}

// Append records one outcome, evicting the oldest when full.
func (w *outcomeWindow) Append(success bool) {
	if w.size == len(w.outcomes) {
		if !w.outcomes[w.head] {
			w.failures--
		}
	} else {
		w.size++
	}
	w.outcomes[w.head] = success
	if !success {
		w.failures++
	}
	w.head = (w.head + 1) % len(w.outcomes)
}

// Len returns the number of recorded outcomes, at most the capacity.
func (w *outcomeWindow) Len() int { return w.size }

// Failures returns the failure count inside the live window.
func (w *outcomeWindow) Failures() int { return w.failures }

// FailureRate returns failures/len over the live window, 0 when empty.
func (w *outcomeWindow) FailureRate() float64 {
	if w.size == 0 {
		return 0
	}
	return float64(w.failures) / float64(w.size)
}

// Reset discards all recorded outcomes.
func (w *outcomeWindow) Reset() {
	w.head = 0
	w.size = 0
	w.failures = 0
}
