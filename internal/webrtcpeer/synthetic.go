package webrtcpeer

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const (
	syntheticFrameInterval = 33 * time.Millisecond
	syntheticFrameBytes    = 1000
)

// SyntheticSource feeds a VP8 track with placeholder frames. The payload is
// not decodable video; it only keeps RTP flowing so the remote side sees a
// track.
type SyntheticSource struct {
	track *webrtc.TrackLocalStaticSample

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewSyntheticSource(streamID string) (*SyntheticSource, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("synthetic video track: %w", err)
	}
	s := &SyntheticSource{
		track: track,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *SyntheticSource) Track() *webrtc.TrackLocalStaticSample { return s.track }

// Close stops the frame loop and waits for it to exit.
func (s *SyntheticSource) Close() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

func (s *SyntheticSource) run() {
	defer close(s.done)
	tick := time.NewTicker(syntheticFrameInterval)
	defer tick.Stop()
	frame := make([]byte, syntheticFrameBytes)
	for {
		select {
		case <-s.stop:
			return
		case <-tick.C:
			// Unbound tracks drop samples; a write error is not actionable.
			_ = s.track.WriteSample(media.Sample{Data: frame, Duration: syntheticFrameInterval})
		}
	}
}
