// Package mtproto connects client sessions to Telegram over MTProto
// (github.com/gotd/td) and implements sessionpool.Conn on top of them.
//
// Connections are opened lazily per session, optionally through a SOCKS5
// proxy, and stay up until dropped or the dialer is closed. Authorization
// keys are persisted through the session store so a restart does not
// require logging in again.
package mtproto
