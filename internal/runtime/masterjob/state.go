// Package masterjob elects, on a best-effort basis, the one node in a group
// of cooperating service instances that runs exclusive jobs. Negotiation
// traffic travels over ordinary channels and is driven by a schedule.
//
// This is not a consensus protocol. Conflicting claims resolve by last
// message wins, and the jittered negotiation cadence makes simultaneous
// claims rare.
package masterjob

import "strings"

// State is a node's position in the negotiation.
type State int

const (
	Disabled State = iota
	VerifyingComms
	Starting
	Requesting1
	Requesting2
	TakingControl
	Standby
	Master
)

var stateNames = [...]string{
	Disabled:       "disabled",
	VerifyingComms: "verifyingcomms",
	Starting:       "starting",
	Requesting1:    "requesting1",
	Requesting2:    "requesting2",
	TakingControl:  "takingcontrol",
	Standby:        "standby",
	Master:         "master",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Negotiating reports whether s is one of the states between VerifyingComms
// and TakingControl.
func (s State) Negotiating() bool {
	return s >= VerifyingComms && s <= TakingControl
}

// Action is the verb carried in a negotiation message's action type.
type Action string

const (
	ActionWhoIsMaster        Action = "whoismaster"
	ActionIAmStandby         Action = "iamstandby"
	ActionIAmMaster          Action = "iammaster"
	ActionRequestingControl1 Action = "requestingcontrol1"
	ActionRequestingControl2 Action = "requestingcontrol2"
	ActionTakingControl      Action = "takingcontrol"
)

// ParseAction normalises an action type.
func ParseAction(v string) (Action, bool) {
	a := Action(strings.ToLower(strings.TrimSpace(v)))
	switch a {
	case ActionWhoIsMaster, ActionIAmStandby, ActionIAmMaster,
		ActionRequestingControl1, ActionRequestingControl2, ActionTakingControl:
		return a, true
	}
	return "", false
}

// Actions lists every negotiation verb.
func Actions() []Action {
	return []Action{
		ActionWhoIsMaster, ActionIAmStandby, ActionIAmMaster,
		ActionRequestingControl1, ActionRequestingControl2, ActionTakingControl,
	}
}

// claimRank orders the control claims so a node further along wins.
func claimRank(a Action) State {
	switch a {
	case ActionRequestingControl1:
		return Requesting1
	case ActionRequestingControl2:
		return Requesting2
	case ActionTakingControl:
		return TakingControl
	}
	return Disabled
}

// announce is the verb a node broadcasts while in s.
func announce(s State) Action {
	switch s {
	case Requesting1:
		return ActionRequestingControl1
	case Requesting2:
		return ActionRequestingControl2
	case TakingControl:
		return ActionTakingControl
	case Standby:
		return ActionIAmStandby
	case Master:
		return ActionIAmMaster
	}
	return ActionWhoIsMaster
}

// advance is the state following a quiet negotiation round.
func advance(s State) State {
	switch s {
	case Starting:
		return Requesting1
	case Requesting1:
		return Requesting2
	case Requesting2:
		return TakingControl
	case TakingControl:
		return Master
	}
	return s
}
