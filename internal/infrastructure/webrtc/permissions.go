package webrtc

import (
	"context"

	"github.com/pion/webrtc/v3"
)

// CapturePermissions grants media capture when the configured local tracks
// can be created. A headless endpoint has no user prompt, so the check is
// whether the codecs are usable at all.
type CapturePermissions struct {
	cfg Config
}

func NewCapturePermissions(cfg Config) *CapturePermissions {
	return &CapturePermissions{cfg: cfg}
}

func (p *CapturePermissions) RequestPermissions(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !p.cfg.Audio && !p.cfg.Video {
		return false, nil
	}

	if p.cfg.Audio {
		if _, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio-probe", "visiocall"); err != nil {
			return false, err
		}
	}
	if p.cfg.Video {
		if _, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video-probe", "visiocall"); err != nil {
			return false, err
		}
	}
	return true, nil
}
