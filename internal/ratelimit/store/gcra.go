package store

// gcra applies one step of the generic cell rate algorithm. All arguments
// share a time unit. A zero or stale tat is treated as now.
//
// The request is allowed when now >= tat - tolerance, in which case the
// new TAT is max(tat, now) + emission. Otherwise tat is unchanged and
// retryAfter is tat - tolerance - now.
func gcra(tat, now, emission, tolerance int64) (newTAT int64, allowed bool, retryAfter int64) {
	if tat < now {
		tat = now
	}
	if now < tat-tolerance {
		return tat, false, tat - tolerance - now
	}
	return tat + emission, true, 0
}

// remaining returns how many more requests fit before tat reaches the
// tolerance horizon.
func remaining(tat, now, emission, tolerance int64) int {
	if emission <= 0 {
		return 0
	}
	r := (now + tolerance + emission - tat) / emission
	if r < 0 {
		return 0
	}
	return int(r)
}

// resetAfter returns the time until tat falls back to now.
func resetAfter(tat, now int64) int64 {
	if tat <= now {
		return 0
	}
	return tat - now
}

// refund undoes one emission on tat. A tat at or before now is already
// fully replenished and is returned unchanged.
func refund(tat, now, emission int64) int64 {
	if tat <= now {
		return tat
	}
	tat -= emission
	if tat < now {
		tat = now
	}
	return tat
}
