package github

import (
	"regexp"
)

// Session ids take two shapes: long numeric ids (15 or more digits) and
// UUIDs. They show up as branch name suffixes and inside task/session URLs
// embedded in PR bodies.
var (
	numericSuffixPattern = regexp.MustCompile(`-(\d{15,})$`)
	uuidSuffixPattern    = regexp.MustCompile(`-([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})$`)
	taskURLPattern       = regexp.MustCompile(`/task/(\d{15,})`)
	sessionURLPattern    = regexp.MustCompile(`/sessions?/([0-9a-zA-Z-]+)`)
)

// ExtractSessionID pulls a remote session id out of a branch name. Returns
// an empty string when the branch carries no recognizable id.
func ExtractSessionID(branch string) string {
	if m := numericSuffixPattern.FindStringSubmatch(branch); m != nil {
		return m[1]
	}
	if m := uuidSuffixPattern.FindStringSubmatch(branch); m != nil {
		return m[1]
	}
	return ""
}

// ExtractSessionIDFromBody scans a PR body for task or session URLs and
// returns the referenced session id, or an empty string.
func ExtractSessionIDFromBody(body string) string {
	if m := taskURLPattern.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	if m := sessionURLPattern.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return ""
}

// StripSessionSuffix removes a trailing session id from a branch name,
// leaving the human-readable slug.
func StripSessionSuffix(branch string) string {
	if m := numericSuffixPattern.FindStringIndex(branch); m != nil {
		return branch[:m[0]]
	}
	if m := uuidSuffixPattern.FindStringIndex(branch); m != nil {
		return branch[:m[0]]
	}
	return branch
}
