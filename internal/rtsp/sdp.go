package rtsp

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/dj-oyu/camstream/internal/rtpjpeg"
)

// trackControl is the control URL suffix of the single video track.
const trackControl = "trackID=0"

// describe returns the SDP body for DESCRIBE.
func describe(localAddr net.Addr, width, height int) ([]byte, error) {
	host := "0.0.0.0"
	if tcp, ok := localAddr.(*net.TCPAddr); ok && tcp.IP.To4() != nil {
		host = tcp.IP.String()
	}

	pt := fmt.Sprint(rtpjpeg.PayloadType)
	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().UnixNano()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "camstream",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "video",
				Port:    sdp.RangedPort{Value: 0},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{pt},
			},
			Attributes: []sdp.Attribute{
				sdp.NewAttribute("rtpmap", fmt.Sprintf("%s JPEG/%d", pt, rtpjpeg.ClockRate)),
				sdp.NewAttribute("framesize", fmt.Sprintf("%s %d-%d", pt, width, height)),
				sdp.NewAttribute("control", trackControl),
			},
		}},
	}
	return sd.Marshal()
}
