package security

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
)

// Headers folded into the device fingerprint, in canonical order. Platform
// and screen hints are optional client-sent headers; absent values hash as
// empty strings so the digest stays stable for clients that never send them.
var fingerprintHeaders = []string{
	"User-Agent",
	"Accept-Language",
	"Accept-Encoding",
	"Sec-Ch-Ua-Platform",
	"X-Screen-Resolution",
}

// DeviceFingerprint derives a stable hex digest identifying a client from
// its request headers. It is a heuristic signal, not a security boundary:
// two requests from the same client must agree, and any single header change
// must produce a different digest.
func DeviceFingerprint(h http.Header) string {
	values := make(map[string]string, len(fingerprintHeaders))
	for _, name := range fingerprintHeaders {
		values[name] = h.Get(name)
	}
	// map keys are sorted by encoding/json, so the digest is canonical
	raw, _ := json.Marshal(values)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
