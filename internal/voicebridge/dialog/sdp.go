package dialog

import (
	"errors"
	"fmt"

	psdp "github.com/pion/sdp/v3"
)

// Media is the first media stream of a session description.
type Media struct {
	Addr   string
	Port   int
	Codecs []string
}

// ParseMedia parses an SDP body and returns its first media stream. It fails
// if the body is not SDP or carries no usable connection address.
func ParseMedia(body []byte) (Media, error) {
	if len(body) == 0 {
		return Media{}, errors.New("no SDP body")
	}

	sdpObj := &psdp.SessionDescription{}
	if err := sdpObj.Unmarshal(body); err != nil {
		return Media{}, fmt.Errorf("failed to parse SDP: %w", err)
	}
	if len(sdpObj.MediaDescriptions) == 0 {
		return Media{}, errors.New("no media descriptions in SDP")
	}

	md := sdpObj.MediaDescriptions[0]
	m := Media{
		Port:   md.MediaName.Port.Value,
		Codecs: md.MediaName.Formats,
	}
	if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
		m.Addr = md.ConnectionInformation.Address.Address
	} else if sdpObj.ConnectionInformation != nil && sdpObj.ConnectionInformation.Address != nil {
		m.Addr = sdpObj.ConnectionInformation.Address.Address
	}
	if m.Addr == "" {
		return Media{}, errors.New("no connection address in SDP")
	}
	return m, nil
}
