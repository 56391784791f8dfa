package session

import (
	"crypto/rand"
	"encoding/base64"
)

// generateID returns a 20 character url-safe session id: 12 random bytes
// followed by the low three bytes of a per-manager sequence number.
func (m *Manager) generateID() string {
	var buf [15]byte
	if _, err := rand.Read(buf[:12]); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	seq := m.seq.Add(1)
	buf[12] = byte(seq >> 16)
	buf[13] = byte(seq >> 8)
	buf[14] = byte(seq)
	return base64.URLEncoding.EncodeToString(buf[:])
}
