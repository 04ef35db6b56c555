// Package access implements the static Creator / Admin / User hierarchy that
// decides who may act on whose behalf.
package access

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDenied is the AuthorizationDenied error kind.
var ErrDenied = errors.New("access: denied")

// Level is a position in the hierarchy; higher outranks lower.
type Level int

const (
	User    Level = 1
	Admin   Level = 2
	Creator Level = 3
)

func (l Level) String() string {
	switch l {
	case Creator:
		return "creator"
	case Admin:
		return "admin"
	default:
		return "user"
	}
}

// Action is something a user can ask vito to do.
type Action string

const (
	ActionChat      Action = "chat"
	ActionAlternate Action = "alternate"
	ActionRemember  Action = "remember"
	ActionRecall    Action = "recall"
	ActionForget    Action = "forget"
	ActionReset     Action = "reset"
	ActionStop      Action = "stop"
)

// Roles is the role configuration. It is read once at startup.
type Roles struct {
	Creator string
	Admins  []string
}

// Gate answers authorization questions. It is immutable after NewGate and
// safe for concurrent use.
type Gate struct {
	creator  string
	admins   map[string]struct{}
	required map[Action]Level
}

// NewGate builds a gate from roles. Every action requires User level unless
// overridden with Require. A creator listed among the admins stays Creator.
func NewGate(roles Roles) *Gate {
	g := &Gate{
		creator:  strings.TrimSpace(roles.Creator),
		admins:   make(map[string]struct{}, len(roles.Admins)),
		required: make(map[Action]Level),
	}
	for _, a := range roles.Admins {
		if a = strings.TrimSpace(a); a != "" {
			g.admins[a] = struct{}{}
		}
	}
	return g
}

// Require sets the minimum level for a self-directed action. It must be
// called before the gate is shared.
func (g *Gate) Require(action Action, level Level) *Gate {
	g.required[action] = level
	return g
}

// Level returns the user's level. Unknown users are User.
func (g *Gate) Level(userID string) Level {
	if g.creator != "" && userID == g.creator {
		return Creator
	}
	if _, ok := g.admins[userID]; ok {
		return Admin
	}
	return User
}

func (g *Gate) requiredLevel(action Action) Level {
	if l, ok := g.required[action]; ok {
		return l
	}
	return User
}

// Authorize decides whether actor may perform action on target. An empty
// target, or target == actor, is self-directed and needs the action's
// required level. Acting on someone else additionally needs a strictly
// higher level than the target; the Creator may act on anyone.
//
// The returned error wraps ErrDenied.
func (g *Gate) Authorize(actor, target string, action Action) error {
	actorLevel := g.Level(actor)
	if actorLevel < g.requiredLevel(action) {
		return fmt.Errorf("%w: %s needs %s for %s", ErrDenied, actor, g.requiredLevel(action), action)
	}
	if target == "" || target == actor || actorLevel == Creator {
		return nil
	}
	if targetLevel := g.Level(target); actorLevel <= targetLevel {
		return fmt.Errorf("%w: %s (%s) cannot %s %s (%s)", ErrDenied, actor, actorLevel, action, target, targetLevel)
	}
	return nil
}

// Allowed is the boolean form of Authorize.
func (g *Gate) Allowed(actor, target string, action Action) bool {
	return g.Authorize(actor, target, action) == nil
}
