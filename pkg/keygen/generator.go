package keygen

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

const (
	// Prefix is the literal prefix of every license key.
	Prefix = "RATO"

	groupCount = 4
	groupLen   = 4
)

var keyCharset = []rune("ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")

var keyPattern = regexp.MustCompile(`^RATO(-[A-Z0-9]{4}){4}$`)

// Generate produces a license key of the form RATO-XXXX-XXXX-XXXX-XXXX with
// each X drawn from [A-Z0-9]. The key space is 36^16; collisions are handled
// by the caller retrying against the unique constraint on insert.
func Generate() (string, error) {
	groups := make([]string, 0, groupCount+1)
	groups = append(groups, Prefix)
	for i := 0; i < groupCount; i++ {
		group := make([]rune, groupLen)
		for j := 0; j < groupLen; j++ {
			idx, err := randInt(len(keyCharset))
			if err != nil {
				return "", fmt.Errorf("generate key group: %w", err)
			}
			group[j] = keyCharset[idx]
		}
		groups = append(groups, string(group))
	}
	return strings.Join(groups, "-"), nil
}

// IsWellFormed reports whether the value matches the canonical key format.
func IsWellFormed(key string) bool {
	return keyPattern.MatchString(key)
}

func randInt(max int) (int, error) {
	if max <= 0 {
		return 0, fmt.Errorf("invalid max %d", max)
	}
	// Rejection sampling keeps the charset draw uniform.
	bound := 256 - (256 % max)
	buff := make([]byte, 1)
	for {
		if _, err := rand.Read(buff); err != nil {
			return 0, err
		}
		if int(buff[0]) < bound {
			return int(buff[0]) % max, nil
		}
	}
}
