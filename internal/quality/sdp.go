package quality

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/rs/zerolog/log"
)

type fmtpParam struct {
	key   string
	value string
}

var musicParams = []fmtpParam{
	{"stereo", "1"},
	{"sprop-stereo", "1"},
	{"maxaveragebitrate", strconv.Itoa(SystemAudioMaxAverageBitrate)},
	{"maxplaybackrate", "48000"},
	{"useinbandfec", "1"},
	{"cbr", "0"},
	{"usedtx", "0"},
}

// TuneAudioDescriptionForMusic merges the music parameter set into the Opus
// format line of every audio section, adding the line when it is missing.
// Other parameters are kept. Descriptions without Opus come back unchanged.
func TuneAudioDescriptionForMusic(raw string) string {
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(raw); err != nil {
		log.Debug().Err(err).Str("module", "quality.sdp").Msg("unparseable description left as is")
		return raw
	}
	changed := false
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		pt, idx, ok := opusRtpmap(md)
		if !ok {
			continue
		}
		if tuneFmtp(md, pt, idx) {
			changed = true
		}
	}
	if !changed {
		return raw
	}
	out, err := desc.Marshal()
	if err != nil {
		log.Warn().Err(err).Str("module", "quality.sdp").Msg("marshal tuned description")
		return raw
	}
	return string(out)
}

func opusRtpmap(md *sdp.MediaDescription) (string, int, bool) {
	for i, a := range md.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		fields := strings.Fields(a.Value)
		if len(fields) < 2 {
			continue
		}
		if strings.HasPrefix(strings.ToLower(fields[1]), "opus/48000") {
			return fields[0], i, true
		}
	}
	return "", 0, false
}

func tuneFmtp(md *sdp.MediaDescription, pt string, rtpmapIdx int) bool {
	for i, a := range md.Attributes {
		if a.Key != "fmtp" {
			continue
		}
		fpt, params, found := strings.Cut(a.Value, " ")
		if !found || fpt != pt {
			continue
		}
		merged := mergeParams(parseParams(params))
		if merged == strings.TrimSpace(params) {
			return false
		}
		md.Attributes[i].Value = pt + " " + merged
		return true
	}

	line := sdp.NewAttribute("fmtp", pt+" "+mergeParams(nil))
	attrs := make([]sdp.Attribute, 0, len(md.Attributes)+1)
	attrs = append(attrs, md.Attributes[:rtpmapIdx+1]...)
	attrs = append(attrs, line)
	attrs = append(attrs, md.Attributes[rtpmapIdx+1:]...)
	md.Attributes = attrs
	return true
}

func parseParams(s string) []fmtpParam {
	var out []fmtpParam
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		out = append(out, fmtpParam{key: strings.TrimSpace(k), value: strings.TrimSpace(v)})
	}
	return out
}

func mergeParams(existing []fmtpParam) string {
	out := append([]fmtpParam(nil), existing...)
	for _, want := range musicParams {
		replaced := false
		for i := range out {
			if strings.EqualFold(out[i].key, want.key) {
				out[i].value = want.value
				replaced = true
			}
		}
		if !replaced {
			out = append(out, want)
		}
	}
	parts := make([]string, len(out))
	for i, p := range out {
		if p.value == "" {
			parts[i] = p.key
			continue
		}
		parts[i] = p.key + "=" + p.value
	}
	return strings.Join(parts, ";")
}
