package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// GenerateParticipantID returns a client-generated identity such as
// "user_k3j9x0a1b2c3d4e5".
func GenerateParticipantID() string {
	return "user_" + RandomString(16)
}

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}

// GeneratePushKey returns a time-ordered key for appended records.
func GeneratePushKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("%d_%s", time.Now().UnixNano(), RandomString(8))
	}
	return id.String()
}

// RandomString returns n characters drawn from [0-9a-z].
func RandomString(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(idAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			out[i] = idAlphabet[i%len(idAlphabet)]
			continue
		}
		out[i] = idAlphabet[idx.Int64()]
	}
	return string(out)
}
