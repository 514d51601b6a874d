package retry

// Budget counts attempts for one logical operation (a submit+poll loop or a
// single download). It is created per operation and never shared between
// retrieval calls.
//
// Attempts is increased for every HTTP call issued. Failures is increased
// for every retriable failure; once it reaches Max the next failure is fatal.
type Budget struct {
	Attempts int
	Failures int
	Max      int
}

// NewBudget returns a Budget allowing n failures. Values below one are
// raised to one so that every operation gets at least a single attempt.
func NewBudget(n int) *Budget {
	return &Budget{Max: max(n, 1)}
}

// Attempt records an issued HTTP call.
func (b *Budget) Attempt() {
	b.Attempts++
}

// Fail records a retriable failure and reports whether another attempt is allowed.
func (b *Budget) Fail() bool {
	b.Failures++
	return b.Failures < b.Max
}

// Exhausted reports whether no further attempts are allowed.
func (b *Budget) Exhausted() bool {
	return b.Failures >= b.Max
}
