// Package readiness decides when a waiting attack has enough profile data,
// given how much of its objective's time is left, to be started.
package readiness

import (
	"fmt"
	"time"

	"hookline/pkg/attack"
	"hookline/pkg/objective"
	"hookline/pkg/profile"
)

// DefaultWindow is the length of the repeating remaining-time window.
const DefaultWindow = 30 * 24 * time.Hour

// Context is the immutable input every predicate is evaluated against.
type Context struct {
	Objective        *objective.Objective
	Attack           *attack.Attack
	Profile          *profile.Snapshot
	RemainingPercent int
	// LastInteraction is the time of the target's last recorded interaction
	// with a finished attack, nil when there was none.
	LastInteraction *time.Time
	Now             time.Time
}

// Predicate is a side-effect free condition over a Context.
type Predicate func(Context) bool

// AllOf is satisfied when every predicate is.
func AllOf(ps ...Predicate) Predicate {
	return func(c Context) bool {
		for _, p := range ps {
			if !p(c) {
				return false
			}
		}
		return true
	}
}

// AnyOf is satisfied when at least one predicate is.
func AnyOf(ps ...Predicate) Predicate {
	return func(c Context) bool {
		for _, p := range ps {
			if p(c) {
				return true
			}
		}
		return false
	}
}

// NotOnCooldown holds when the target's last interaction is at least d old.
func NotOnCooldown(d time.Duration) Predicate {
	return func(c Context) bool {
		return c.LastInteraction == nil || !c.LastInteraction.Add(d).After(c.Now)
	}
}

// RemainingBelow holds when less than pct percent of the current window is left.
func RemainingBelow(pct int) Predicate {
	return func(c Context) bool { return c.RemainingPercent < pct }
}

func HasFirstName(c Context) bool {
	return c.Profile != nil && c.Profile.FirstName != nil
}

func HasAddress(c Context) bool {
	return c.Profile != nil && len(c.Profile.Emails) > 0
}

func HasPeers(c Context) bool {
	return c.Profile != nil && len(c.Profile.Peers) > 0
}

func HasRoleTitle(c Context) bool {
	return c.Profile != nil && c.Profile.RoleTitle != nil
}

func HasIndustry(c Context) bool {
	return c.Profile != nil && c.Profile.Organization.Industry != nil
}

// RemainingPercent is the share of the current window still left.
//
// Inside the objective's final window it is the time left until expiry.
// Before that the objective's lifetime is cut into consecutive windows
// starting at begins, and the result is the time left in the current one,
// so the value falls to zero and jumps back to 100 every window.
func RemainingPercent(begins, expires, now time.Time, window time.Duration) int {
	if window <= 0 {
		window = DefaultWindow
	}
	left := expires.Sub(now)
	if left >= window {
		elapsed := now.Sub(begins)
		if elapsed < 0 {
			elapsed = 0
		}
		left = window - elapsed%window
	}
	if left < 0 {
		return 0
	}
	return int(left * 100 / window)
}

// Requirement binds a predicate tree to the goal it was written for.
type Requirement struct {
	Name      string
	Goal      objective.Goal
	Predicate Predicate
}

// Met evaluates the requirement. Evaluating it against an objective with a
// different goal is a programming error and panics.
func (r Requirement) Met(c Context) bool {
	if c.Objective == nil || c.Objective.Goal != r.Goal {
		var got objective.Goal
		if c.Objective != nil {
			got = c.Objective.Goal
		}
		panic(fmt.Sprintf("readiness: requirement %q evaluated for goal %q", r.Name, got))
	}
	return r.Predicate(c)
}

// LinkClick is the requirement for link-click objectives. The earlier in the
// window, the richer the profile must be.
func LinkClick(cooldown time.Duration) Requirement {
	return Requirement{
		Name: "link-click",
		Goal: objective.GoalLinkClick,
		Predicate: AllOf(
			NotOnCooldown(cooldown),
			AnyOf(
				AllOf(RemainingBelow(25), HasFirstName, HasAddress),
				AllOf(RemainingBelow(50), HasFirstName, HasAddress, HasRoleTitle),
				AllOf(RemainingBelow(75), HasFirstName, HasAddress, HasRoleTitle, HasPeers),
				AllOf(HasFirstName, HasAddress, HasRoleTitle, HasPeers, HasIndustry),
			),
		),
	}
}

// Credentials is the requirement for credential-capture objectives. Peers
// weigh more than the role title since the lure impersonates a colleague.
func Credentials(cooldown time.Duration) Requirement {
	return Requirement{
		Name: "credentials",
		Goal: objective.GoalCredentials,
		Predicate: AllOf(
			NotOnCooldown(cooldown),
			AnyOf(
				AllOf(RemainingBelow(25), HasFirstName, HasAddress),
				AllOf(RemainingBelow(50), HasFirstName, HasAddress, HasPeers),
				AllOf(RemainingBelow(75), HasFirstName, HasAddress, HasPeers, HasRoleTitle),
				AllOf(HasFirstName, HasAddress, HasPeers, HasRoleTitle, HasIndustry),
			),
		),
	}
}

// ForGoal returns the built-in requirement for goal.
func ForGoal(goal objective.Goal, cooldown time.Duration) Requirement {
	switch goal {
	case objective.GoalCredentials:
		return Credentials(cooldown)
	case objective.GoalLinkClick:
		return LinkClick(cooldown)
	}
	panic(fmt.Sprintf("readiness: no requirement for goal %q", goal))
}
