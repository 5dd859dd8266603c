package sse

import (
	"errors"
	"strings"
	"unicode"
)

// ErrMessageInvalidEventName is returned when a message's Event field fails
// DOM event naming rules.
var ErrMessageInvalidEventName = errors.New("message event name is invalid")

// eventNameMessage is the default event type used when no explicit event is
// specified. Clients dispatch such messages using the "message" event type.
const eventNameMessage = "message"

// isValidSSEEventName checks if the SSE event name meets the specification requirements.
// If the event name is empty, it's considered valid as the default "message" type will be used.
// Otherwise, it must follow DOM event naming rules.
func isValidSSEEventName(eventName string) bool {
	if eventName == "" {
		return true
	}
	return isValidDOMEventName(eventName)
}

// isValidDOMEventName validates event names according to DOM specifications:
// - Must not be empty
// - Must not contain '..' or start/end with '.'
// - Must start with a letter
// - Can only contain letters, digits, underscore, hyphen, or period
// - Cannot contain any whitespace
func isValidDOMEventName(eventName string) bool {
	if eventName == "" {
		return false
	}

	if strings.Contains(eventName, "..") ||
		strings.HasPrefix(eventName, ".") ||
		strings.HasSuffix(eventName, ".") {
		return false
	}

	runes := []rune(eventName)

	if !unicode.IsLetter(runes[0]) {
		return false
	}

	for _, r := range runes {
		if unicode.IsSpace(r) {
			return false
		}
		if unicode.IsLetter(r) ||
			unicode.IsDigit(r) ||
			r == '_' ||
			r == '-' ||
			r == '.' {
			continue
		}
		return false
	}

	return true
}
