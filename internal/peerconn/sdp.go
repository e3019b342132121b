package peerconn

import (
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

var errNoMedia = errors.New("description has no media sections")

// validateDescription parses desc and checks it carries at least one media
// section with ICE credentials, so malformed peers fail before pion state
// is touched.
func validateDescription(desc webrtc.SessionDescription, want webrtc.SDPType) error {
	if desc.Type != want {
		return fmt.Errorf("expected %s, got %s", want, desc.Type)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return fmt.Errorf("parse sdp: %w", err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return errNoMedia
	}
	if !hasICECredentials(&parsed) {
		return errors.New("description lacks ice-ufrag")
	}
	return nil
}

func hasICECredentials(sd *sdp.SessionDescription) bool {
	if _, ok := sd.Attribute("ice-ufrag"); ok {
		return true
	}
	for _, md := range sd.MediaDescriptions {
		if _, ok := md.Attribute("ice-ufrag"); ok {
			return true
		}
	}
	return false
}
