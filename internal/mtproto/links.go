package mtproto

import (
	"fmt"
	"net/url"
	"strings"
)

// parseHandle accepts "name", "@name", "t.me/name" and "https://t.me/name".
func parseHandle(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "@")
	for _, p := range []string{"https://", "http://"} {
		s = strings.TrimPrefix(s, p)
	}
	for _, p := range []string{"t.me/", "telegram.me/", "telegram.dog/"} {
		s = strings.TrimPrefix(s, p)
	}
	s = strings.TrimSuffix(s, "/")
	if s == "" || strings.ContainsAny(s, "/+?") {
		return "", fmt.Errorf("mtproto: invalid channel handle %q", raw)
	}
	return s, nil
}

// parseInvite extracts the hash from "t.me/+HASH", "t.me/joinchat/HASH"
// and "tg://join?invite=HASH" links.
func parseInvite(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "tg://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("mtproto: invalid invite link %q: %w", raw, err)
		}
		if h := u.Query().Get("invite"); h != "" {
			return h, nil
		}
		return "", fmt.Errorf("mtproto: invalid invite link %q", raw)
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("mtproto: invalid invite link %q: %w", raw, err)
	}
	path := strings.Trim(u.Path, "/")
	switch {
	case strings.HasPrefix(path, "+"):
		path = strings.TrimPrefix(path, "+")
	case strings.HasPrefix(path, "joinchat/"):
		path = strings.TrimPrefix(path, "joinchat/")
	default:
		return "", fmt.Errorf("mtproto: invalid invite link %q", raw)
	}
	if path == "" || strings.Contains(path, "/") {
		return "", fmt.Errorf("mtproto: invalid invite link %q", raw)
	}
	return path, nil
}
