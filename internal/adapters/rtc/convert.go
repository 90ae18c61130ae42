package rtc

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/proto"
	"github.com/pion/webrtc/v4"
)

func codecType(kind string) (webrtc.RTPCodecType, bool) {
	switch kind {
	case string(domain.KindAudio):
		return webrtc.RTPCodecTypeAudio, true
	case string(domain.KindVideo):
		return webrtc.RTPCodecTypeVideo, true
	}
	return 0, false
}

// fmtpLine renders codec parameters as a stable a=fmtp value.
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fmtpValue(params[k]))
	}
	return strings.Join(parts, ";")
}

func fmtpValue(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	case bool:
		if x {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(x)
	}
}

// parseFmtp is the inverse of fmtpLine. Numeric values come back as float64
// to match what a JSON round trip would produce.
func parseFmtp(line string) map[string]any {
	if line == "" {
		return nil
	}
	out := make(map[string]any)
	for _, part := range strings.Split(line, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k == "" {
			continue
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = f
			continue
		}
		out[k] = v
	}
	return out
}

func toFeedback(fb []proto.RtcpFeedback) []webrtc.RTCPFeedback {
	if len(fb) == 0 {
		return nil
	}
	out := make([]webrtc.RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func fromFeedback(fb []webrtc.RTCPFeedback) []proto.RtcpFeedback {
	if len(fb) == 0 {
		return nil
	}
	out := make([]proto.RtcpFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, proto.RtcpFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func toCandidates(in []proto.IceCandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(in))
	for _, c := range in {
		protocol, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, err
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, err
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.IP,
			Protocol:   protocol,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
		})
	}
	return out, nil
}

func toFingerprints(in []proto.DtlsFingerprint) []webrtc.DTLSFingerprint {
	out := make([]webrtc.DTLSFingerprint, 0, len(in))
	for _, f := range in {
		out = append(out, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func fromFingerprints(in []webrtc.DTLSFingerprint) []proto.DtlsFingerprint {
	out := make([]proto.DtlsFingerprint, 0, len(in))
	for _, f := range in {
		out = append(out, proto.DtlsFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

// sendParameters describes a started RTPSender. The codec matching
// preferMime, if any, is listed first since the relay takes the first codec
// as the media codec.
func sendParameters(p webrtc.RTPSendParameters, preferMime string) proto.RtpParameters {
	var out proto.RtpParameters
	for _, c := range p.Codecs {
		out.Codecs = append(out.Codecs, proto.RtpCodecParameters{
			MimeType:     c.MimeType,
			PayloadType:  uint8(c.PayloadType),
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			Parameters:   parseFmtp(c.SDPFmtpLine),
			RtcpFeedback: fromFeedback(c.RTCPFeedback),
		})
	}
	if preferMime != "" {
		slices.SortStableFunc(out.Codecs, func(a, b proto.RtpCodecParameters) int {
			am, bm := strings.EqualFold(a.MimeType, preferMime), strings.EqualFold(b.MimeType, preferMime)
			switch {
			case am && !bm:
				return -1
			case bm && !am:
				return 1
			}
			return 0
		})
	}
	for _, e := range p.Encodings {
		out.Encodings = append(out.Encodings, proto.RtpEncodingParameters{Ssrc: uint32(e.SSRC), Rid: e.RID})
	}
	return out
}

// receiveParameters picks the SSRC and payload type a receiver should bind to.
func receiveParameters(p proto.RtpParameters) (webrtc.RTPReceiveParameters, error) {
	if len(p.Encodings) == 0 || p.Encodings[0].Ssrc == 0 {
		return webrtc.RTPReceiveParameters{}, fmt.Errorf("rtc: consumer parameters carry no ssrc")
	}
	var pt webrtc.PayloadType
	if len(p.Codecs) > 0 {
		pt = webrtc.PayloadType(p.Codecs[0].PayloadType)
	}
	return webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(p.Encodings[0].Ssrc),
				PayloadType: pt,
			},
		}},
	}, nil
}
