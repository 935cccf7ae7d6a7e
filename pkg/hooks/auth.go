package hooks

import "crypto/subtle"

// validateDevice checks a connecting device against the shared air credential.
func (h *AirHook) validateDevice(user, pass []byte) bool {
	userOK := subtle.ConstantTimeCompare(user, []byte(h.config.Username)) == 1
	passOK := subtle.ConstantTimeCompare(pass, []byte(h.config.Password)) == 1
	return userOK && passOK
}
