package bot

import "fmt"

// State 为单个交易对的生命周期状态。
type State string

const (
	StateIdle         State = "IDLE"
	StateEntryPending State = "ENTRY_PENDING"
	StateInPosition   State = "IN_POSITION"
	StateExitPending  State = "EXIT_PENDING"
	StateCooldown     State = "COOLDOWN"
	StateHalted       State = "HALTED"
)

var transitions = map[State][]State{
	StateIdle:         {StateEntryPending, StateHalted},
	StateEntryPending: {StateInPosition, StateIdle, StateHalted},
	StateInPosition:   {StateExitPending, StateHalted},
	StateExitPending:  {StateCooldown, StateInPosition, StateHalted},
	StateCooldown:     {StateIdle, StateHalted},
	// 只有人工复位能离开 HALTED
	StateHalted: {StateIdle, StateInPosition},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition 描述被状态表拒绝的迁移。
type ErrIllegalTransition struct {
	From, To State
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}
