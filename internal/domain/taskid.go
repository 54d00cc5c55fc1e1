package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

// TaskIDLength is the number of hex characters kept from the digest.
const TaskIDLength = 8

var taskIDRe = regexp.MustCompile(`^[0-9a-f]{8}$`)

// TaskID derives a short, stable identifier from the logical parameters of an
// operation. Each part is length-prefixed so that no value can shift a field
// boundary: ("a:b", "c") and ("a", "b:c") hash differently.
func TaskID(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(strconv.Itoa(len(p)))
		b.WriteByte(':')
		b.WriteString(p)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:TaskIDLength]
}

// ValidTaskID checks the external id format: 8 lowercase hex characters.
func ValidTaskID(id string) bool { return taskIDRe.MatchString(id) }
