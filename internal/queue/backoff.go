package queue

import "time"

// Policy is the retry schedule for one queue.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// Default schedules. Webhook delivery retries fast; transcoding retries slowly
// because a failed attempt usually means a storage or tool problem that
// takes a while to clear.
var (
	WebhookPolicy = Policy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 5}
	MediaPolicy   = Policy{Base: 2 * time.Second, Cap: 300 * time.Second, MaxAttempts: 5}
)

// Delay returns min(Base * 2^attempt, Cap). attempt is the number of failed
// attempts before the one that just failed, so the first retry waits Base.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		if d >= p.Cap || d > p.Cap/2 {
			return p.Cap
		}
		d *= 2
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Exhausted reports whether a job that has now failed attempts times has
// reached the ceiling.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
