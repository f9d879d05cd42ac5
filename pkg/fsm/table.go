package fsm

type State string

const (
	Available State = "available"
	Selecting State = "selecting"
	Locked    State = "locked"
	Reserved  State = "reserved"
	Paid      State = "paid"
	Released  State = "released"
	Blocked   State = "blocked"
)

// every state, in table order
var States = []State{Available, Selecting, Locked, Reserved, Paid, Released, Blocked}

func (s State) Terminal() bool { return s == Paid }

type Action string

const (
	ActionSelect  Action = "select"
	ActionHold    Action = "hold"
	ActionReserve Action = "reserve"
	ActionPay     Action = "pay"
	ActionRelease Action = "release"
	ActionTimeout Action = "timeout"
	ActionBlock   Action = "block"
	ActionUnblock Action = "unblock"
)

var Actions = []Action{ActionSelect, ActionHold, ActionReserve, ActionPay, ActionRelease, ActionTimeout, ActionBlock, ActionUnblock}

type transition struct {
	to State
	// the caller must own the lock (hold acquires it)
	requiresLock bool
	// the lock moves to the reserve TTL
	extendTTL bool
}

var table = map[State]map[Action]transition{
	Available: {
		ActionSelect: {to: Selecting},
		ActionBlock:  {to: Blocked},
	},
	Selecting: {
		ActionHold:    {to: Locked, requiresLock: true},
		ActionRelease: {to: Available},
	},
	Locked: {
		ActionReserve: {to: Reserved, requiresLock: true, extendTTL: true},
		ActionRelease: {to: Available},
		ActionTimeout: {to: Released},
	},
	Reserved: {
		ActionPay:     {to: Paid, requiresLock: true},
		ActionRelease: {to: Available},
		ActionTimeout: {to: Released},
	},
	Released: {
		ActionRelease: {to: Available},
	},
	Blocked: {
		ActionUnblock: {to: Available},
	},
}

func lookup(from State, action Action) (transition, bool) {
	tr, ok := table[from][action]
	return tr, ok
}

// Next reports where action leads from, or false when the pair is not allowed.
func Next(from State, action Action) (State, bool) {
	tr, ok := lookup(from, action)
	return tr.to, ok
}
