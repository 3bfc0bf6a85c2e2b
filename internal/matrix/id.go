package matrix

import "strings"

// EnsureUserID normalises a bare username, "user:server" pair, or full
// Matrix ID into the canonical @localpart:server form on the given server.
func EnsureUserID(usernameOrID, serverName string) string {
	trimmed := strings.TrimSpace(usernameOrID)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "@") {
		if strings.Contains(trimmed, ":") {
			return trimmed
		}
		return trimmed + ":" + serverName
	}
	if strings.Contains(trimmed, ":") {
		return "@" + trimmed
	}
	return "@" + trimmed + ":" + serverName
}

// DisplayNameFromID derives a human-readable name from a Matrix identifier.
// User ids and room aliases reduce to their localpart; room ids (which have
// no readable localpart) are returned verbatim.
func DisplayNameFromID(id string) string {
	if id == "" {
		return "Unknown"
	}
	if strings.HasPrefix(id, "!") {
		return id
	}
	if strings.HasPrefix(id, "@") || strings.HasPrefix(id, "#") {
		localpart, _, _ := strings.Cut(id[1:], ":")
		if localpart != "" {
			return localpart
		}
	}
	return id
}
