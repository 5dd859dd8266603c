// Package sse implements the Server-Sent Events (SSE)  protocol according to the W3C specification.
// see w3c doc https://www.w3.org/TR/2009/WD-eventsource-20091029/
// SSE is a one-way communication protocol that allows servers to push real-time updates
// to clients over a single HTTP connection.
//
// This package provides functionality to:
// - Encode SSE messages into the required wire format
// - Decode SSE messages from an HTTP response stream
// - Handle all essential SSE fields: id, event, data, and retry
// - Process multiline data according to the specification
// - Validate and sanitize messages
package sse

import (
	"errors"
	"strings"
)

// ErrMessageNoContent is returned when attempting to encode a message with no fields.
// According to the SSE specification, a valid message must contain at least one non-empty field.
var (
	ErrMessageNoContent = errors.New("message has no content")
)

// lineBreakReplacer handles the escaping of CR and LF characters in fields such as id and event,
// as required by the SSE specification.
var (
	lineBreakReplacer = strings.NewReplacer(
		"\n", "\\n",
		"\r", "\\r",
	)
)

// Predefined byte constants for message processing to improve performance.
var (
	byteLF        = []byte("\n")   // Line feed character
	byteLFLF      = []byte("\n\n") // Two line feeds indicating message boundary
	byteCR        = []byte("\r")   // Carriage return character
	byteEscapedCR = []byte("\\r")  // Escaped carriage return
)

// Constants for SSE field names, delimiters, and special characters as defined in the W3C specification.
const (
	fieldID                = "id"           // ID field identifier
	fieldEvent             = "event"        // Event type identifier
	fieldData              = "data"         // Data payload identifier
	fieldRetry             = "retry"        // Reconnection time identifier
	delimiter              = ":"            // Field name-value delimiter
	whitespace             = " "            // Standard space after delimiter
	invalidUTF8Replacement = "\uFFFD"       // Unicode replacement character
	utf8BomSequence        = "\xEF\xBB\xBF" // UTF-8 Byte Order Mark
)

// Precomputed byte arrays for field prefixes to optimize message encoding.
var (
	fieldPrefixID    = []byte(fieldID + delimiter + whitespace)
	fieldPrefixEvent = []byte(fieldEvent + delimiter + whitespace)
	fieldPrefixData  = []byte(fieldData + delimiter + whitespace)
	fieldPrefixRetry = []byte(fieldRetry + delimiter + whitespace)
)

// Message represents a Server-Sent Event with all fields defined in the SSE specification:
// - ID: Uniquely identifies the event and enables connection resumption
// - Event: Defines the event type (defaults to "message" if not specified)
// - Data: Contains the event payload
// - Retry: Specifies the reconnection time in milliseconds
type Message struct {
	ID    string // Message identifier
	Event string // Message type
	Data  []byte // Message payload
	Retry int    // Message Reconnection time in milliseconds
}
