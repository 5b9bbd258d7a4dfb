package sipdevice

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// Media direction attributes used in offers and re-INVITEs.
const (
	modeSendRecv = "sendrecv"
	modeSendOnly = "sendonly"
	modeRecvOnly = "recvonly"
)

// buildSDP creates an audio offer or answer for the device's RTP endpoint.
// PCMU plus telephone-event are offered; mode selects the media direction
// (mute is a sendonly re-INVITE).
func buildSDP(addr string, port int, sessionVersion uint64, mode string) ([]byte, error) {
	formats := []string{"0", "101"}

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "handset",
			SessionID:      1,
			SessionVersion: sessionVersion,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "Handset Call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address: &sdp.Address{
				Address: addr,
			},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{StartTime: 0, StopTime: 0},
			},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: "0 PCMU/8000"},
					{Key: "rtpmap", Value: "101 telephone-event/8000"},
					{Key: "fmtp", Value: "101 0-15"},
					{Key: "ptime", Value: "20"},
					{Key: mode},
				},
			},
		},
	}

	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal SDP: %w", err)
	}
	return body, nil
}

// remoteEndpoint extracts the remote RTP address and port from an SDP body.
func remoteEndpoint(body []byte) (string, int, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return "", 0, fmt.Errorf("parse SDP: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return "", 0, fmt.Errorf("no media in SDP")
	}

	media := desc.MediaDescriptions[0]
	port := media.MediaName.Port.Value

	var addr string
	if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
		addr = media.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		addr = desc.ConnectionInformation.Address.Address
	}
	if addr == "" || port == 0 {
		return "", 0, fmt.Errorf("no usable RTP endpoint in SDP")
	}
	return addr, port, nil
}
