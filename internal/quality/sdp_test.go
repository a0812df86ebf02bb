package quality

import (
	"strings"
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wantMusicFmtp = "stereo=1;sprop-stereo=1;maxaveragebitrate=256000;maxplaybackrate=48000;useinbandfec=1;cbr=0;usedtx=0"

func offer(audioAttrs ...string) string {
	lines := []string{
		"v=0",
		"o=- 4215775240449105457 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111 0",
		"c=IN IP4 0.0.0.0",
		"a=mid:0",
	}
	lines = append(lines, audioAttrs...)
	lines = append(lines,
		"m=video 9 UDP/TLS/RTP/SAVPF 96",
		"c=IN IP4 0.0.0.0",
		"a=mid:1",
		"a=rtpmap:96 VP8/90000",
		"a=fmtp:96 max-fs=12288",
	)
	return strings.Join(lines, "\r\n") + "\r\n"
}

func fmtpOf(t *testing.T, raw, media, pt string) (string, bool) {
	t.Helper()
	var desc sdp.SessionDescription
	require.NoError(t, desc.UnmarshalString(raw))
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != media {
			continue
		}
		for _, a := range md.Attributes {
			if a.Key == "fmtp" && strings.HasPrefix(a.Value, pt+" ") {
				return strings.TrimPrefix(a.Value, pt+" "), true
			}
		}
	}
	return "", false
}

func TestTuneMergesExistingFmtp(t *testing.T) {
	in := offer("a=rtpmap:111 opus/48000/2", "a=fmtp:111 minptime=10;useinbandfec=0;usedtx=1", "a=rtpmap:0 PCMU/8000")
	out := TuneAudioDescriptionForMusic(in)

	got, ok := fmtpOf(t, out, "audio", "111")
	require.True(t, ok)
	assert.Equal(t, "minptime=10;useinbandfec=1;usedtx=0;stereo=1;sprop-stereo=1;maxaveragebitrate=256000;maxplaybackrate=48000;cbr=0", got)

	video, ok := fmtpOf(t, out, "video", "96")
	require.True(t, ok)
	assert.Equal(t, "max-fs=12288", video)
}

func TestTuneInsertsMissingFmtp(t *testing.T) {
	in := offer("a=rtpmap:111 opus/48000/2", "a=rtpmap:0 PCMU/8000")
	out := TuneAudioDescriptionForMusic(in)

	got, ok := fmtpOf(t, out, "audio", "111")
	require.True(t, ok)
	assert.Equal(t, wantMusicFmtp, got)
	assert.Less(t, strings.Index(out, "a=rtpmap:111"), strings.Index(out, "a=fmtp:111"))
	assert.Less(t, strings.Index(out, "a=fmtp:111"), strings.Index(out, "a=rtpmap:0"))
}

func TestTuneWithoutOpusIsUnchanged(t *testing.T) {
	in := offer("a=rtpmap:0 PCMU/8000")
	assert.Equal(t, in, TuneAudioDescriptionForMusic(in))
	assert.Equal(t, "not an sdp", TuneAudioDescriptionForMusic("not an sdp"))
}

func TestTuneIsIdempotent(t *testing.T) {
	for _, in := range []string{
		offer("a=rtpmap:111 opus/48000/2", "a=fmtp:111 minptime=10;useinbandfec=1"),
		offer("a=rtpmap:111 opus/48000/2"),
	} {
		once := TuneAudioDescriptionForMusic(in)
		twice := TuneAudioDescriptionForMusic(once)
		assert.Equal(t, once, twice)

		a, _ := fmtpOf(t, once, "audio", "111")
		b, _ := fmtpOf(t, twice, "audio", "111")
		assert.Equal(t, a, b)
	}
}
