package connection

import (
	"context"
	"time"
)

// heartbeatLoop pings every Interval and waits Timeout for a pong.
// MaxMissed consecutive misses close the transport, which triggers a
// reconnect.
func (m *Manager) heartbeatLoop(ctx context.Context, live *liveConn) {
	defer m.wg.Done()

	hb := m.cfg.Heartbeat
	if hb.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(hb.Interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Discard a pong that arrived after its timeout.
		select {
		case <-live.pong:
		default:
		}

		ping := heartbeatFrame{Type: frameTypePing, Timestamp: m.now().UnixMilli()}
		if err := m.sendFrame(live.client, ping, frameTypePing); err != nil {
			m.logger.Debug("failed to send ping", "error", err)
		}

		timeout := time.NewTimer(hb.Timeout)
		select {
		case <-ctx.Done():
			timeout.Stop()
			return

		case <-live.pong:
			timeout.Stop()
			missed = 0

		case <-timeout.C:
			missed++
			m.heartbeatsMissed.Add(1)
			m.observer.HeartbeatMissed(missed)
			m.logger.Warn("heartbeat missed",
				"consecutive", missed,
				"max", hb.MaxMissed,
				"gen", live.gen,
			)
			if missed >= hb.MaxMissed {
				m.connectionLost(live, ErrHeartbeatTimeout)
				return
			}
		}
	}
}
