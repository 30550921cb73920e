package irc

import "strings"

// Casefold maps a nickname or channel name to its canonical RFC 1459 form.
// Upper-case ASCII letters map to lower case and []\~ map to {}|^.
func Casefold(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == '[':
			return '{'
		case r == ']':
			return '}'
		case r == '\\':
			return '|'
		case r == '~':
			return '^'
		}
		return r
	}, name)
}

// EqualFold reports whether a and b are the same name under RFC 1459 casemapping
func EqualFold(a, b string) bool {
	return Casefold(a) == Casefold(b)
}

// IsValidNickname checks if a nickname is valid
func IsValidNickname(nick string) bool {
	if len(nick) < 1 || len(nick) > 30 {
		return false
	}

	for i, ch := range nick {
		// First character can't be a number or a dash
		if i == 0 && ((ch >= '0' && ch <= '9') || ch == '-') {
			return false
		}

		if !((ch >= 'A' && ch <= 'Z') ||
			(ch >= 'a' && ch <= 'z') ||
			(ch >= '0' && ch <= '9') ||
			strings.ContainsRune("-_[]{}|\\^`", ch)) {
			return false
		}
	}

	return true
}

// IsValidChannelName checks if a channel name is valid
func IsValidChannelName(name string) bool {
	if len(name) < 2 || len(name) > 50 {
		return false
	}

	// Must start with # or &
	if name[0] != '#' && name[0] != '&' {
		return false
	}

	// Can't contain spaces, ASCII 7 (bell), commas, colons, or NULL bytes
	return !strings.ContainsAny(name, " ,:\x00\x07\r\n")
}

// IsChannelName reports whether target names a channel rather than a user
func IsChannelName(target string) bool {
	return target != "" && (target[0] == '#' || target[0] == '&')
}
