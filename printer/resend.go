package printer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fornellas/printhost/protocol"
)

const historySize = 100

var errResendSwallowed = errors.New("printer: resend request repeated")

type sentLine struct {
	number  int
	command string
}

// resendTracker numbers outgoing commands and answers resend requests from a bounded history.
type resendTracker struct {
	maxRetries int
	backoff    time.Duration
	now        func() time.Time

	mu      sync.Mutex
	next    int
	history []sentLine

	requested   int
	requestedAt time.Time
	sentSince   bool
	retries     int
}

func newResendTracker(maxRetries int, backoff time.Duration, now func() time.Time) *resendTracker {
	return &resendTracker{
		maxRetries: maxRetries,
		backoff:    backoff,
		now:        now,
		next:       1,
	}
}

func (r *resendTracker) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = 1
	r.history = nil
	r.requested = 0
	r.requestedAt = time.Time{}
	r.sentSince = false
	r.retries = 0
}

// number assigns the next line number to command and returns the line to send.
func (r *resendTracker) number(command string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	r.next++
	r.history = append(r.history, sentLine{number: n, command: command})
	if len(r.history) > historySize {
		r.history = r.history[len(r.history)-historySize:]
	}
	r.sentSince = true
	return protocol.NumberLine(n, command)
}

// ack records a reply with no resend request.
func (r *resendTracker) ack() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = 0
	r.requested = 0
}

func (r *resendTracker) sent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sentSince = true
}

// request returns the lines to send again for a resend request of line n. A request repeated
// within the backoff window, with nothing sent since the previous one, returns errResendSwallowed.
func (r *resendTracker) request(n int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if n == r.requested && !r.sentSince && now.Sub(r.requestedAt) < r.backoff {
		return nil, errResendSwallowed
	}

	if n == r.requested {
		r.retries++
	} else {
		r.requested = n
		r.retries = 1
	}
	r.requestedAt = now
	r.sentSince = false

	if r.retries > r.maxRetries {
		return nil, fmt.Errorf("printer: line %d: resend requested %d times", n, r.retries)
	}

	var lines []string
	for i, sent := range r.history {
		if sent.number != n {
			continue
		}
		for _, s := range r.history[i:] {
			lines = append(lines, protocol.NumberLine(s.number, s.command))
		}
		return lines, nil
	}
	return nil, fmt.Errorf("printer: line %d: not in history, can't resend", n)
}
