package mtproto

import (
	"context"
	"errors"
	"strings"

	"github.com/gotd/td/tgerr"

	"postbot/internal/sessionpool"
)

var authCodes = map[string]bool{
	"AUTH_KEY_UNREGISTERED": true,
	"AUTH_KEY_INVALID":      true,
	"AUTH_KEY_DUPLICATED":   true,
	"USER_DEACTIVATED":      true,
	"USER_DEACTIVATED_BAN":  true,
	"SESSION_REVOKED":       true,
	"SESSION_EXPIRED":       true,
}

var permissionCodes = map[string]bool{
	"CHANNEL_PRIVATE":          true,
	"CHANNELS_TOO_MUCH":        true,
	"CHAT_ADMIN_REQUIRED":      true,
	"CHAT_WRITE_FORBIDDEN":     true,
	"USER_BANNED_IN_CHANNEL":   true,
	"INVITE_REQUEST_SENT":      true,
	"STORIES_TOO_MUCH":         true,
	"PREMIUM_ACCOUNT_REQUIRED": true,
}

var notFoundCodes = map[string]bool{
	"USERNAME_NOT_OCCUPIED": true,
	"USERNAME_INVALID":      true,
	"INVITE_HASH_EXPIRED":   true,
	"INVITE_HASH_INVALID":   true,
	"INVITE_HASH_EMPTY":     true,
	"MSG_ID_INVALID":        true,
	"CHANNEL_INVALID":       true,
}

// kindOf maps a platform error type to a failure kind.
func kindOf(code string) sessionpool.FailureKind {
	switch {
	case strings.HasPrefix(code, "FLOOD_WAIT"), strings.HasPrefix(code, "FLOOD_PREMIUM_WAIT"):
		return sessionpool.FailFlood
	case authCodes[code]:
		return sessionpool.FailAuth
	case permissionCodes[code]:
		return sessionpool.FailPermission
	case notFoundCodes[code]:
		return sessionpool.FailNotFound
	default:
		return sessionpool.FailOther
	}
}

// wrap classifies a client error for the session pool.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var pe *sessionpool.Error
	if errors.As(err, &pe) {
		return err
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &sessionpool.Error{Kind: sessionpool.FailFlood, Code: "FLOOD_WAIT", Wait: d, Err: err}
	}
	if rpc, ok := tgerr.As(err); ok {
		return &sessionpool.Error{Kind: kindOf(rpc.Type), Code: rpc.Type, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &sessionpool.Error{Kind: sessionpool.FailOther, Code: "TIMEOUT", Err: err}
	}
	return &sessionpool.Error{Kind: sessionpool.FailOther, Code: "NETWORK", Err: err}
}
