// Package model holds the persisted entities of the delivery engine: content
// items waiting to be sent, their live copies in destination channels, the
// privileged client sessions and their channel memberships.
package model
