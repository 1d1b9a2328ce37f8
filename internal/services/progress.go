package services

import "time"

// Progress checkpoints of a run.
const (
	ProgressClaimed    = 10
	ProgressExtracted  = 30
	ProgressFactsReady = 40
	ProgressStreamCap  = 99
	ProgressCompleted  = 100
)

// progressSchedule turns streamed characters into coarse progress updates
// between ProgressFactsReady and ProgressStreamCap. An update is due only when
// both the interval has elapsed and progress moved by at least minDelta.
type progressSchedule struct {
	expected int
	interval time.Duration
	minDelta int
	now      func() time.Time

	chars    int
	reported int
	lastAt   time.Time
}

func newProgressSchedule(expected int, interval time.Duration, minDelta int, now func() time.Time) *progressSchedule {
	if expected <= 0 {
		expected = 12000
	}
	if minDelta <= 0 {
		minDelta = 1
	}
	return &progressSchedule{
		expected: expected,
		interval: interval,
		minDelta: minDelta,
		now:      now,
		reported: ProgressFactsReady,
		lastAt:   now(),
	}
}

// estimate maps a character count onto (ProgressFactsReady, ProgressStreamCap].
func (p *progressSchedule) estimate() int {
	span := ProgressStreamCap - ProgressFactsReady
	done := p.chars
	if done > p.expected {
		done = p.expected
	}
	pct := ProgressFactsReady + span*done/p.expected
	if pct > ProgressStreamCap {
		pct = ProgressStreamCap
	}
	return pct
}

// add records n more characters and reports the percentage to write, if any.
func (p *progressSchedule) add(n int) (int, bool) {
	p.chars += n
	pct := p.estimate()
	if pct-p.reported < p.minDelta {
		return 0, false
	}
	now := p.now()
	if now.Sub(p.lastAt) < p.interval {
		return 0, false
	}
	p.reported = pct
	p.lastAt = now
	return pct, true
}
