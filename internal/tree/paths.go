package tree

import "strings"

// Path builders for the persisted layout.

func User(uid string) string { return Join("users", uid) }

func Users() string { return "users" }

func Status(uid string) string { return Join("status", uid) }

func Statuses() string { return "status" }

func Group(gid string) string { return Join("groups", gid) }

func Groups() string { return "groups" }

func Messages(gid string) string { return Join("groups", gid, "messages") }

func Message(gid, mid string) string { return Join("groups", gid, "messages", mid) }

// Poll is the poll sub-tree of a message. Votes are transacted against it alone.
func Poll(gid, mid string) string { return Join("groups", gid, "messages", mid, "poll") }

func TypingAll(gid string) string { return Join("groups", gid, "typing") }

func Typing(gid, uid string) string { return Join("groups", gid, "typing", uid) }

func LastViewed(uid, gid string) string { return Join("users", uid, "lastViewed", gid) }

func StarredIn(uid, gid string) string { return Join("users", uid, "starredMessages", gid) }

func Starred(uid, gid, mid string) string { return Join("users", uid, "starredMessages", gid, mid) }

func GroupRequests() string { return "group_requests" }

func GroupRequest(rid string) string { return Join("group_requests", rid) }

func ResetRequests() string { return "password_reset_requests" }

func ResetRequest(rid string) string { return Join("password_reset_requests", rid) }

func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Parent returns the parent path and the last segment. The parent of a
// top-level path is the root "".
func Parent(path string) (string, string) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

// Entity returns the first segment, used to label metrics.
func Entity(path string) string {
	if idx := strings.Index(path, "/"); idx >= 0 {
		return path[:idx]
	}
	return path
}

func cleanPath(path string) string {
	return strings.Trim(path, "/")
}
