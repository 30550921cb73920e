package irc

import "strings"

// Hostmask formats nick!user@host
func Hostmask(nick, user, host string) string {
	if user == "" {
		user = "*"
	}
	if host == "" {
		host = "*"
	}
	return nick + "!" + user + "@" + host
}

// MatchMask matches a hostmask against a ban-style pattern using * and ?
// wildcards. Matching is case-insensitive under RFC 1459 casemapping.
func MatchMask(pattern, mask string) bool {
	return wildcardMatch(Casefold(pattern), Casefold(mask))
}

func wildcardMatch(pattern, s string) bool {
	// Iterative glob with single-star backtracking
	p, i := 0, 0
	star, mark := -1, 0
	for i < len(s) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == s[i]):
			p++
			i++
		case p < len(pattern) && pattern[p] == '*':
			star = p
			mark = i
			p++
		case star >= 0:
			p = star + 1
			mark++
			i = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// SplitList splits a comma-separated parameter, dropping empty entries
func SplitList(param string) []string {
	parts := strings.Split(param, ",")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
