package protocol

import (
	"fmt"
	"strings"
)

// Role is the logical category of a connected peer.
type Role string

const (
	// RoleService is the singleton automation service peer.
	RoleService Role = "automation_service"
	// RoleScheduler is a member of the automation scheduler pool.
	RoleScheduler Role = "automation_scheduler"
	// RoleAdmin is assignable only through configuration, never through a
	// peer's self-declared authentication notification.
	RoleAdmin Role = "admin"
)

// ParseRole normalizes a caller-supplied role string into the closed Role
// enumeration. Comparison is case-insensitive; all downstream code works with
// the canonical Role values, never raw strings.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(RoleService):
		return RoleService, nil
	case string(RoleScheduler):
		return RoleScheduler, nil
	case string(RoleAdmin):
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("unknown client role %q", s)
	}
}

// ClientStatus tracks the lifecycle state of a connected peer.
type ClientStatus string

const (
	StatusConnecting   ClientStatus = "connecting"
	StatusConnected    ClientStatus = "connected"
	StatusBusy         ClientStatus = "busy"
	StatusIdle         ClientStatus = "idle"
	StatusReconnecting ClientStatus = "reconnecting"
	StatusDisconnected ClientStatus = "disconnected"
)
