package call

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// ErrMediaAccess marks a local capture failure. It degrades the call to
// receive-only participation instead of blocking the room join.
var ErrMediaAccess = errors.New("media access failed")

// Constraints selects which kinds of local media to acquire.
type Constraints struct {
	Audio bool
	Video bool
}

// Track pairs a local RTC track with the mute flag the orchestrator
// toggles. The flag is shared: the same Track value is attached to every
// peer connection, so a toggle applies uniformly across sessions.
type Track struct {
	local   webrtc.TrackLocal
	kind    string
	enabled atomic.Bool
}

func NewTrack(local webrtc.TrackLocal, kind string) *Track {
	t := &Track{local: local, kind: kind}
	t.enabled.Store(true)
	return t
}

// ID returns the underlying track id.
func (t *Track) ID() string { return t.local.ID() }

// Kind is "audio" or "video".
func (t *Track) Kind() string { return t.kind }

// Local exposes the RTC track for attachment to an engine.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// SetEnabled flips the mute flag.
func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Enabled reports the mute flag.
func (t *Track) Enabled() bool { return t.enabled.Load() }

// Source acquires local media. Implementations own the capture pipeline;
// the orchestrator only needs success or failure and the resulting tracks.
type Source interface {
	Acquire(ctx context.Context, c Constraints) ([]*Track, error)
	Stop()
}

// StaticSource provides placeholder sample tracks for headless endpoints
// that have no capture hardware. The tracks negotiate real audio/video
// m-lines; feeding them samples is up to the caller.
type StaticSource struct {
	StreamID string
}

func (s *StaticSource) Acquire(_ context.Context, c Constraints) ([]*Track, error) {
	streamID := s.StreamID
	if streamID == "" {
		streamID = "confmesh"
	}

	var tracks []*Track
	if c.Audio {
		audio, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", streamID,
		)
		if err != nil {
			return nil, errors.Join(ErrMediaAccess, err)
		}
		tracks = append(tracks, NewTrack(audio, "audio"))
	}
	if c.Video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", streamID,
		)
		if err != nil {
			return nil, errors.Join(ErrMediaAccess, err)
		}
		tracks = append(tracks, NewTrack(video, "video"))
	}
	return tracks, nil
}

func (s *StaticSource) Stop() {}
