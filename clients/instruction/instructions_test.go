package instruct

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderOVPN(t *testing.T) {
	profile, err := RenderOVPN(ProfileInput{
		Remote:     "vpn.example.com",
		Port:       1443,
		ServerName: "edge-1",
		CA:         []byte("CA-PEM\n"),
		Cert:       []byte("CERT-PEM"),
		Key:        []byte("  KEY-PEM  "),
		TLSCrypt:   []byte("TLS\n"),
	})
	require.NoError(t, err)

	s := string(profile)
	assert.Contains(t, s, "remote vpn.example.com 1443 udp4\n")
	assert.Contains(t, s, `verify-x509-name "edge-1" name`)
	assert.Contains(t, s, "<ca>\nCA-PEM\n</ca>\n")
	assert.Contains(t, s, "<cert>\nCERT-PEM\n</cert>\n")
	assert.Contains(t, s, "<key>\nKEY-PEM\n</key>\n")
	assert.Contains(t, s, "<tls-crypt>\nTLS\n</tls-crypt>\n")
}

func TestRenderOVPNSkipsOptionalBlocks(t *testing.T) {
	profile, err := RenderOVPN(ProfileInput{Remote: "10.0.0.1", Port: 1194, Cert: []byte("c"), Key: []byte("k")})
	require.NoError(t, err)
	assert.NotContains(t, string(profile), "verify-x509-name")
	assert.NotContains(t, string(profile), "<tls-crypt>")

	_, err = RenderOVPN(ProfileInput{Remote: "10.0.0.1", Port: 1194})
	assert.Error(t, err)
	_, err = RenderOVPN(ProfileInput{Cert: []byte("c"), Key: []byte("k")})
	assert.Error(t, err)
}

func TestQRCode(t *testing.T) {
	png, ok, err := QRCode([]byte("short profile"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	_, ok, err = QRCode([]byte(strings.Repeat("x", 8000)))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCallbackDataRoundTrip(t *testing.T) {
	for _, platform := range []InstructType{Windows, Android, IOS} {
		data := CallbackData(platform, 2)
		got, step, ok := ParseCallbackData(data)
		require.True(t, ok, data)
		assert.Equal(t, platform, got)
		assert.Equal(t, 2, step)
	}

	_, _, ok := ParseCallbackData("inst_linux_1")
	assert.False(t, ok)
	_, _, ok = ParseCallbackData("nav_menu")
	assert.False(t, ok)
}

func TestStepMessageClamps(t *testing.T) {
	caption, kb := StepMessage(Android, 99)
	steps := Steps(Android)
	assert.Equal(t, steps[len(steps)-1].Caption, caption)
	// last step: back button and counter only, no forward
	require.NotEmpty(t, kb.InlineKeyboard)
	assert.Len(t, kb.InlineKeyboard[0], 2)

	caption, kb = StepMessage(Windows, -1)
	assert.Equal(t, Steps(Windows)[0].Caption, caption)
	assert.Len(t, kb.InlineKeyboard[0], 2)
	assert.Equal(t, "https://openvpn.net/community/", *kb.InlineKeyboard[1][0].URL)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "happycat-12345678.ovpn", FileName("12345678-aaaa-bbbb"))
	assert.Equal(t, "happycat-abc.ovpn", FileName("abc"))
}
