package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	// IDRegex matches user, channel and room ids as the relay issues them.
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	// SourceIDRegex matches capture source handles such as "screen:0".
	SourceIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:/-]*$`)
)

const (
	maxIDLength       = 128
	maxUsernameLength = 32
)

func validateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", kind, maxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", kind)
	}
	return nil
}

func ValidateUserID(id string) error {
	return validateID("user ID", id)
}

func ValidateChannelID(id string) error {
	return validateID("channel ID", id)
}

// ValidateRoomID accepts an empty room; channels outside a room are
// allowed.
func ValidateRoomID(id string) error {
	if id == "" {
		return nil
	}
	return validateID("room ID", id)
}

// ValidateUsername checks a display name. Any printable text is allowed.
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if !utf8.ValidString(username) {
		return fmt.Errorf("username is not valid UTF-8")
	}
	if utf8.RuneCountInString(username) > maxUsernameLength {
		return fmt.Errorf("username is too long (max %d characters)", maxUsernameLength)
	}
	for _, r := range username {
		if unicode.IsControl(r) {
			return fmt.Errorf("username contains control characters")
		}
	}
	return nil
}

func ValidateSourceID(id string) error {
	if len(id) > maxIDLength {
		return fmt.Errorf("source ID is too long (max %d characters)", maxIDLength)
	}
	if !SourceIDRegex.MatchString(id) {
		return fmt.Errorf("invalid source ID format")
	}
	return nil
}

// ValidateSignalingURL requires a websocket URL with a host.
func ValidateSignalingURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme %q (must be ws or wss)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
