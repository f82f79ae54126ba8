package realtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v3"
)

// ICEServers builds the STUN/TURN list handed to both parties of a call.
// TURN entries get the shared credentials, STUN entries never do.
func ICEServers(urls []string, username, credential string) []webrtc.ICEServer {
	var stun, turn []string
	for _, u := range urls {
		switch {
		case strings.HasPrefix(u, "turn:"), strings.HasPrefix(u, "turns:"):
			turn = append(turn, u)
		case u != "":
			stun = append(stun, u)
		}
	}
	var servers []webrtc.ICEServer
	if len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:           turn,
			Username:       username,
			Credential:     credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}

// parseSessionDescription accepts either a bare SDP string or an
// RTCSessionDescription object under the sdp key.
func parseSessionDescription(kind string, raw json.RawMessage) (webrtc.SessionDescription, error) {
	want := webrtc.NewSDPType(kind)
	if len(raw) == 0 {
		return webrtc.SessionDescription{}, missing(kind, "sdp")
	}

	var sd webrtc.SessionDescription
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		sd = webrtc.SessionDescription{Type: want, SDP: s}
	} else if err := json.Unmarshal(raw, &sd); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: sdp: %v", ErrMalformedFrame, err)
	}

	if sd.Type == webrtc.SDPType(0) {
		sd.Type = want
	}
	if sd.Type != want {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s carries %s description", ErrMalformedFrame, kind, sd.Type)
	}
	if !strings.HasPrefix(strings.TrimSpace(sd.SDP), "v=") {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s sdp is not a session description", ErrMalformedFrame, kind)
	}
	return sd, nil
}

// parseICECandidate reads the candidate either as an RTCIceCandidateInit object
// or as a string with sdpMid and sdpMLineIndex siblings.
func parseICECandidate(payload map[string]json.RawMessage) (webrtc.ICECandidateInit, error) {
	raw, ok := payload["candidate"]
	if !ok {
		return webrtc.ICECandidateInit{}, missing(TypeICECandidate, "candidate")
	}

	var init webrtc.ICECandidateInit
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		init.Candidate = s
		if mid, ok := payload["sdpMid"]; ok {
			var v string
			if json.Unmarshal(mid, &v) == nil {
				init.SDPMid = &v
			}
		}
		if idx, ok := payload["sdpMLineIndex"]; ok {
			var v uint16
			if json.Unmarshal(idx, &v) == nil {
				init.SDPMLineIndex = &v
			}
		}
		return init, nil
	}
	if err := json.Unmarshal(raw, &init); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("%w: candidate: %v", ErrMalformedFrame, err)
	}
	return init, nil
}
