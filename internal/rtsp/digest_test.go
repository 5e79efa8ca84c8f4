// Created by WINK Streaming (https://www.wink.co)
package rtsp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDigestResponseMatchesKnownVector(t *testing.T) {
	ha1 := md5Hex("u:R:p")
	ha2 := md5Hex("DESCRIBE:rtsp://h/m")
	want := md5Hex(ha1 + ":N:" + ha2)

	got := digestResponse("u", "R", "p", "DESCRIBE", "rtsp://h/m", "N")
	assert.Equal(t, want, got)
	assert.Len(t, got, 32)
}

func TestAuthorizationHeaderFormatsExpectedFields(t *testing.T) {
	a := &Authenticator{Realm: "R", Nonce: "N", Username: "u", Password: "p"}
	got := a.authorizationHeader("DESCRIBE", "rtsp://h/m")

	want := `Digest username="u", realm="R", nonce="N", uri="rtsp://h/m", response="` +
		digestResponse("u", "R", "p", "DESCRIBE", "rtsp://h/m", "N") + `"`
	assert.Equal(t, want, got)
}

func TestParseWWWAuthenticateExtractsRealmAndNonce(t *testing.T) {
	realm, nonce, ok := parseWWWAuthenticate(`Digest realm="R", nonce="N"`)
	assert.True(t, ok)
	assert.Equal(t, "R", realm)
	assert.Equal(t, "N", nonce)
}

func TestParseWWWAuthenticateRejectsUnrecognizedScheme(t *testing.T) {
	_, _, ok := parseWWWAuthenticate(`Basic realm="R"`)
	assert.False(t, ok)
}

func TestHasChallenge(t *testing.T) {
	var a Authenticator
	assert.False(t, a.HasChallenge())
	a.Realm, a.Nonce = "R", "N"
	assert.True(t, a.HasChallenge())
}
