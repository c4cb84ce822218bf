package api

import (
	"math"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// maxNameLen bounds display names and identities.
	maxNameLen = 200
	// maxUserLen bounds SIP user parts.
	maxUserLen = 64
	// maxPasswordLen bounds digest passwords.
	maxPasswordLen = 256
	// maxHostLen is a hostname plus an optional ":port".
	maxHostLen = 253 + 6
	// maxDestinationLen bounds call and transfer targets.
	maxDestinationLen = 512
	// maxMessageLen bounds host log messages.
	maxMessageLen = 1000
	// maxVolume is the largest accepted level multiplier.
	maxVolume = 4.0
)

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateHost checks a SIP server as host or host:port.
func validateHost(field, value string) string {
	if msg := validateRequiredStringLen(field, value, maxHostLen); msg != "" {
		return msg
	}
	if strings.ContainsAny(value, " \t\r\n@;<>") {
		return field + " contains invalid characters"
	}
	host := value
	if h, port, err := net.SplitHostPort(value); err == nil {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return field + " has an invalid port"
		}
		host = h
	}
	if host == "" {
		return field + " is required"
	}
	return ""
}

// validateSIPUser checks a user part: no separators a URI would split on.
func validateSIPUser(field, value string) string {
	if msg := validateRequiredStringLen(field, value, maxUserLen); msg != "" {
		return msg
	}
	if strings.ContainsAny(value, " \t\r\n@:;<>") {
		return field + " contains invalid characters"
	}
	return ""
}

// validateVolume checks a level multiplier.
func validateVolume(field string, value float64) string {
	if math.IsNaN(value) || value < 0 || value > maxVolume {
		return field + " must be between 0 and " + strconv.FormatFloat(maxVolume, 'f', -1, 64)
	}
	return ""
}

// containsControlChars reports ASCII control characters, including CR, LF
// and tab.
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}

// firstError returns the first non-empty validation message.
func firstError(msgs ...string) string {
	for _, m := range msgs {
		if m != "" {
			return m
		}
	}
	return ""
}
