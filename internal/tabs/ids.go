package tabs

import (
	"fmt"
	"strconv"
	"strings"
)

const privatePrefix = "private:"

// DeriveConversationID builds the stable private conversation id for a pair
// of users. Either side computes the same value, so a chat opened from both
// ends resolves to one tab.
func DeriveConversationID(a, b string) string {
	lo, hi := a, b
	if lessID(b, a) {
		lo, hi = b, a
	}
	return fmt.Sprintf("%s%s:%s", privatePrefix, lo, hi)
}

// IsPrivate reports whether id was produced by DeriveConversationID.
func IsPrivate(id string) bool {
	return strings.HasPrefix(id, privatePrefix)
}

// PeerOf returns the other participant of a private conversation.
func PeerOf(conversationID, selfID string) (string, bool) {
	if !IsPrivate(conversationID) {
		return "", false
	}
	parts := strings.Split(strings.TrimPrefix(conversationID, privatePrefix), ":")
	if len(parts) != 2 {
		return "", false
	}
	switch selfID {
	case parts[0]:
		return parts[1], true
	case parts[1]:
		return parts[0], true
	}
	return "", false
}

// lessID orders numeric ids numerically and everything else lexically.
func lessID(a, b string) bool {
	ai, errA := strconv.ParseInt(a, 10, 64)
	bi, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return ai < bi
	}
	return a < b
}
