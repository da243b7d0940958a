// SPDX-License-Identifier: MIT

package recorder

import (
	"context"

	"github.com/tomtom215/replayd/internal/capture"
	"github.com/tomtom215/replayd/internal/encoder"
	"github.com/tomtom215/replayd/internal/framepool"
)

// channelFrameSource adapts a capture.FrameChannel and its backing
// framepool.Pool to encoder.FrameSource, so the encoder package never needs
// to import capture directly.
type channelFrameSource struct {
	channel *capture.FrameChannel
	pool    *framepool.Pool
}

func newChannelFrameSource(channel *capture.FrameChannel, pool *framepool.Pool) *channelFrameSource {
	return &channelFrameSource{channel: channel, pool: pool}
}

// NextFrame implements encoder.FrameSource.
func (s *channelFrameSource) NextFrame(ctx context.Context) ([]byte, func(), bool) {
	select {
	case <-ctx.Done():
		return nil, nil, false
	case f, ok := <-s.channel.Receive():
		if !ok {
			return nil, nil, false
		}
		buf := f.Buf
		release := func() { s.pool.Put(buf) }
		return buf, release, true
	}
}

var _ encoder.FrameSource = (*channelFrameSource)(nil)
