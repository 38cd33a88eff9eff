package negotiation

import (
	"time"

	"github.com/pion/webrtc/v4"
)

func (c *PionConnection) setHeartbeatDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.heartbeat = dc
	c.mu.Unlock()
	dc.OnOpen(func() { c.heartbeatOnOpenHandler(dc) })
	dc.OnMessage(c.heartbeatOnMessageHandler)
}

// heartbeat onOpen handler
// Once opened, send a timestamp on the channel every heartbeatPeriod,
// until the connection is closed.
func (c *PionConnection) heartbeatOnOpenHandler(dc *webrtc.DataChannel) {
	heartbeatTicker := time.NewTicker(c.heartbeatPeriod)
	defer heartbeatTicker.Stop()
	for {
		var sendingTimestamp time.Time
		select {
		case <-c.ctx.Done():
			return
		case sendingTimestamp = <-heartbeatTicker.C:
		}

		msg, err := sendingTimestamp.MarshalBinary()
		if err != nil {
			c.logger.Error("error while marshalling sending timestamp to binary", "err", err)
			continue
		}
		if err := dc.Send(msg); err != nil {
			c.logger.Debug("error when sending heartbeat", "err", err)
		}
	}
}

// heartbeat onMessage handler
// The remote side sends its own timestamps, the difference is the one-way latency
// (plus any clock skew between the two hosts).
func (c *PionConnection) heartbeatOnMessageHandler(msg webrtc.DataChannelMessage) {
	currentTime := time.Now()

	var sendingTime time.Time
	if err := sendingTime.UnmarshalBinary(msg.Data); err != nil {
		c.logger.Debug("malformed heartbeat", "err", err)
		return
	}

	c.logger.Debug(
		"received heartbeat",
		"networkLatency", currentTime.Sub(sendingTime),
	)
}
