package server

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

// Keys is the single key pair the sink accepts.
type Keys struct {
	PublicKey string
	SecretKey string
}

type access int

const (
	accessNone access = iota
	// accessPublic is granted to bearer tokens carrying only the public key.
	accessPublic
	accessFull
)

func (k Keys) authorize(r *http.Request) access {
	header := r.Header.Get("Authorization")
	scheme, credential, ok := strings.Cut(header, " ")
	if !ok {
		return accessNone
	}
	switch strings.ToLower(scheme) {
	case "bearer":
		if equal(credential, k.PublicKey) {
			return accessPublic
		}
	case "basic":
		decoded, err := base64.StdEncoding.DecodeString(credential)
		if err != nil {
			return accessNone
		}
		pk, sk, ok := strings.Cut(string(decoded), ":")
		if ok && equal(pk, k.PublicKey) && equal(sk, k.SecretKey) {
			return accessFull
		}
	}
	return accessNone
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="llmtrace"`)
	writeJSON(w, http.StatusUnauthorized, errorResponse{Message: "invalid or missing credentials"})
}
