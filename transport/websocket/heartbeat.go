package websocket

import (
	"time"

	"github.com/wricardo/sioserver/protocol"
	"github.com/wricardo/sioserver/transport"
)

// The heartbeat alternates two timers and never runs both: the interval
// timer sends a heartbeat and arms the timeout; a heartbeat from the peer
// clears the timeout and arms the interval again. A callback whose timer is
// no longer the current one is stale and does nothing.

func (t *Transport) setHeartbeatInterval() {
	if !t.opts.Heartbeats {
		return
	}

	t.hbMu.Lock()
	defer t.hbMu.Unlock()
	if t.hbStopped || t.hbInterval != nil {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(t.opts.HeartbeatInterval, func() {
		t.onHeartbeatInterval(timer)
	})
	t.hbInterval = timer
}

// onHeartbeatInterval swaps the interval timer for the timeout timer in one
// critical section, then sends the heartbeat.
func (t *Transport) onHeartbeatInterval(timer *time.Timer) {
	t.hbMu.Lock()
	if t.hbInterval != timer {
		t.hbMu.Unlock()
		return
	}
	t.hbInterval = nil
	if t.hbStopped || t.State() != transport.Connected {
		t.hbMu.Unlock()
		return
	}
	t.armHeartbeatTimeoutLocked()
	t.hbMu.Unlock()

	t.Packet(protocol.Packet{Type: protocol.TypeHeartbeat})
}

// armHeartbeatTimeoutLocked must be called with hbMu held.
func (t *Transport) armHeartbeatTimeoutLocked() {
	if t.hbTimeout != nil {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(t.opts.HeartbeatTimeout, func() {
		t.hbMu.Lock()
		if t.hbTimeout != timer {
			t.hbMu.Unlock()
			return
		}
		t.hbTimeout = nil
		t.hbMu.Unlock()

		t.Logger().Debug("fired heartbeat timeout")
		t.End("heartbeat timeout")
	})
	t.hbTimeout = timer
}

func (t *Transport) clearHeartbeatTimeout() {
	t.hbMu.Lock()
	defer t.hbMu.Unlock()
	if t.hbTimeout != nil {
		t.hbTimeout.Stop()
		t.hbTimeout = nil
	}
}

func (t *Transport) stopHeartbeat() {
	t.hbMu.Lock()
	defer t.hbMu.Unlock()
	t.hbStopped = true
	if t.hbInterval != nil {
		t.hbInterval.Stop()
		t.hbInterval = nil
	}
	if t.hbTimeout != nil {
		t.hbTimeout.Stop()
		t.hbTimeout = nil
	}
}
