package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectActionPrefix       = "gateway.action"
	SubjectReply              = "gateway.reply"
	SubjectClientConnected    = "gateway.client.connected"
	SubjectClientDisconnected = "gateway.client.disconnected"
)

// BuildActionSubject builds the subject an action type is published on when
// no route overrides it.
func BuildActionSubject(actionType string) string {
	return fmt.Sprintf("%s.%s", SubjectActionPrefix, SanitizeToken(actionType))
}

// SanitizeToken makes s usable as a single subject token: dots, spaces and
// wildcards become underscores.
func SanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
