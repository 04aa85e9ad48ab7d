package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Signer produces and checks channel subscription signatures. The signed
// string is socketID:channel, with :channelData appended when present.
// The broadcast auth endpoint and the gateway must share key and secret.
type Signer struct {
	key    string
	secret []byte
}

func NewSigner(key string, secret []byte) *Signer {
	return &Signer{key: key, secret: secret}
}

func (s *Signer) mac(socketID, channel, channelData string) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(socketID))
	m.Write([]byte{':'})
	m.Write([]byte(channel))
	if channelData != "" {
		m.Write([]byte{':'})
		m.Write([]byte(channelData))
	}
	return m.Sum(nil)
}

// Sign returns "key:hexsignature".
func (s *Signer) Sign(socketID, channel, channelData string) string {
	return s.key + ":" + hex.EncodeToString(s.mac(socketID, channel, channelData))
}

// Verify accepts "key:hexsignature" (key must match) or a bare lowercase
// hex signature.
func (s *Signer) Verify(socketID, channel, channelData, signature string) bool {
	if len(s.secret) == 0 || signature == "" {
		return false
	}
	sig := signature
	if key, rest, found := strings.Cut(signature, ":"); found {
		if !hmac.Equal([]byte(key), []byte(s.key)) {
			return false
		}
		sig = rest
	}
	want := hex.EncodeToString(s.mac(socketID, channel, channelData))
	return hmac.Equal([]byte(sig), []byte(want))
}
