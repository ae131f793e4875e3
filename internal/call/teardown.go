package call

import (
	"context"
	"time"

	"coachhome/callkit/internal/domain"
)

type endReason int

const (
	endReasonLocalHangup endReason = iota
	endReasonRemote
	endReasonError
	endReasonCancelled
)

func (r endReason) String() string {
	switch r {
	case endReasonLocalHangup:
		return "local hangup"
	case endReasonRemote:
		return "remote termination"
	case endReasonError:
		return "error"
	case endReasonCancelled:
		return "cancelled"
	}
	return "unknown"
}

const teardownStoreTimeout = 5 * time.Second

// teardown releases every resource the coordinator holds. It is idempotent
// and every step is best-effort: a failing step is logged and the remaining
// steps still run, so the user always perceives the call as over.
//
// Ordering matters. Subscriptions are cancelled before the media session is
// closed so a late change event cannot redeliver into torn-down state, and
// the session (which releases camera and microphone) is closed before any
// store write so the capture indicators turn off regardless of store
// latency.
func (c *Coordinator) teardown(reason endReason) {
	if c.torn {
		return
	}
	c.torn = true
	c.log.Infof("call %s: teardown (%s)", c.callID, reason)

	for _, sub := range c.subs {
		sub.Cancel()
	}
	c.subs = nil

	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.log.Warnf("call %s: close media session: %v", c.callID, err)
		}
	}

	if c.callID == "" {
		return
	}

	// Store writes below run on their own deadline: the surrounding
	// context may already be cancelled on the unmount path.
	ctx, cancel := context.WithTimeout(context.Background(), teardownStoreTimeout)
	defer cancel()

	if reason == endReasonLocalHangup {
		status := domain.StatusEnded
		if err := c.store.Update(ctx, c.callID, domain.RecordPatch{Status: &status}); err != nil {
			c.log.Warnf("call %s: best-effort ended write failed: %v", c.callID, err)
		}
	}

	for _, part := range domain.Partitions() {
		if err := c.store.PurgeCandidates(ctx, c.callID, part); err != nil {
			c.log.Debugf("call %s: purge %s: %v", c.callID, part, err)
		}
	}
}
