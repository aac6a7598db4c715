package models

import (
	"fmt"
	"time"
)

// Phase is the trading-day state of one strategy instance.
type Phase string

const (
	PhaseIdle          Phase = "IDLE"
	PhaseWaiting       Phase = "WAITING_FOR_ENTRY_WINDOW"
	PhasePlacing       Phase = "PLACING_ENTRY"
	PhaseMonitoring    Phase = "MONITORING"
	PhaseStopTriggered Phase = "STOP_TRIGGERED"
	PhaseDailyComplete Phase = "DAILY_COMPLETE"
	PhaseHalted        Phase = "HALTED" // circuit open or critical intervention
)

// Transition conditions.
const (
	CondSessionStart  = "session_start"
	CondResume        = "resume_open_positions"
	CondSessionOver   = "session_over"
	CondEntryDue      = "entry_due"
	CondEntryPlaced   = "entry_placed"
	CondEntrySkipped  = "entry_skipped"
	CondEntryFailed   = "entry_failed"
	CondStopHit       = "stop_hit"
	CondStopProcessed = "stop_processed"
	CondPositionsFlat = "positions_flat"
	CondEarlyClose    = "early_close"
	CondSettlement    = "settlement"
	CondCircuitOpen   = "circuit_open"
	CondCritical      = "critical_intervention"
	CondHaltCleared   = "halt_cleared"
	CondDayReset      = "day_reset"
)

// PhaseTransition defines one allowed move of the day state machine.
type PhaseTransition struct {
	From        Phase
	To          Phase
	Condition   string
	Description string
}

// ValidTransitions is the total transition table. A move not listed here is a bug.
var ValidTransitions = []PhaseTransition{
	// Session start
	{PhaseIdle, PhaseWaiting, CondSessionStart, "Trading session opened"},
	{PhaseIdle, PhaseMonitoring, CondResume, "Restarted with live positions"},
	{PhaseIdle, PhaseDailyComplete, CondSessionOver, "Started after settlement"},
	{PhaseIdle, PhaseHalted, CondCritical, "Critical intervention flag set at startup"},

	// Entry placement
	{PhaseWaiting, PhasePlacing, CondEntryDue, "Scheduled entry time reached"},
	{PhaseMonitoring, PhasePlacing, CondEntryDue, "Scheduled entry time reached with positions open"},
	{PhasePlacing, PhaseMonitoring, CondEntryPlaced, "Entry filled, stops armed"},
	{PhasePlacing, PhaseMonitoring, CondEntrySkipped, "Entry skipped, earlier positions still open"},
	{PhasePlacing, PhaseMonitoring, CondEntryFailed, "Entry failed, earlier positions still open"},
	{PhasePlacing, PhaseWaiting, CondEntrySkipped, "Entry skipped, flat"},
	{PhasePlacing, PhaseWaiting, CondEntryFailed, "Entry failed, flat"},

	// Monitoring
	{PhaseMonitoring, PhaseStopTriggered, CondStopHit, "Side cost-to-close reached its stop"},
	{PhaseStopTriggered, PhaseMonitoring, CondStopProcessed, "Stopped side closed"},
	{PhaseMonitoring, PhaseWaiting, CondPositionsFlat, "All sides closed"},
	{PhaseMonitoring, PhaseDailyComplete, CondEarlyClose, "ROC early close flattened the day"},

	// Settlement
	{PhaseWaiting, PhaseDailyComplete, CondSettlement, "Session settled"},
	{PhaseMonitoring, PhaseDailyComplete, CondSettlement, "Open sides settled at expiry"},
	{PhaseHalted, PhaseDailyComplete, CondSettlement, "Session settled while halted"},
	{PhaseDailyComplete, PhaseIdle, CondDayReset, "New trading day"},

	// Halts
	{PhaseWaiting, PhaseHalted, CondCircuitOpen, "Broker circuit breaker opened"},
	{PhasePlacing, PhaseHalted, CondCircuitOpen, "Broker circuit breaker opened during placement"},
	{PhaseMonitoring, PhaseHalted, CondCircuitOpen, "Broker circuit breaker opened"},
	{PhaseStopTriggered, PhaseHalted, CondCircuitOpen, "Broker circuit breaker opened during stop"},
	{PhaseWaiting, PhaseHalted, CondCritical, "Critical intervention flag set"},
	{PhasePlacing, PhaseHalted, CondCritical, "Critical intervention flag set during placement"},
	{PhaseMonitoring, PhaseHalted, CondCritical, "Critical intervention flag set"},
	{PhaseStopTriggered, PhaseHalted, CondCritical, "Stop close exhausted retries"},
	{PhaseDailyComplete, PhaseHalted, CondCritical, "Critical intervention flag set after close"},
	{PhaseHalted, PhaseWaiting, CondHaltCleared, "Halt cleared, flat"},
	{PhaseHalted, PhaseMonitoring, CondHaltCleared, "Halt cleared, positions open"},
	{PhaseHalted, PhaseDailyComplete, CondHaltCleared, "Halt cleared after session end"},
}

// StateMachine tracks the day phase.
type StateMachine struct {
	transitionTime  time.Time
	transitionCount map[Phase]int
	currentState    Phase
	previousState   Phase
	lastCondition   string
}

// NewStateMachine creates a state machine in IDLE.
func NewStateMachine() *StateMachine {
	return NewStateMachineAt(PhaseIdle)
}

// NewStateMachineAt restores a state machine at a persisted phase.
func NewStateMachineAt(p Phase) *StateMachine {
	if p == "" {
		p = PhaseIdle
	}
	return &StateMachine{
		currentState:    p,
		previousState:   p,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[Phase]int),
	}
}

// Current returns the current phase.
func (sm *StateMachine) Current() Phase {
	return sm.currentState
}

// Previous returns the phase before the last transition.
func (sm *StateMachine) Previous() Phase {
	return sm.previousState
}

// LastCondition returns the condition of the last transition.
func (sm *StateMachine) LastCondition() string {
	return sm.lastCondition
}

// TransitionTime returns when the last transition happened.
func (sm *StateMachine) TransitionTime() time.Time {
	return sm.transitionTime
}

// IsValidTransition checks the table for from=current.
func (sm *StateMachine) IsValidTransition(to Phase, condition string) error {
	for _, t := range ValidTransitions {
		if t.From == sm.currentState && t.To == to && t.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition '%s'",
		sm.currentState, to, condition)
}

// Transition moves to a new phase.
func (sm *StateMachine) Transition(to Phase, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}
	sm.previousState = sm.currentState
	sm.currentState = to
	sm.lastCondition = condition
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// TransitionCount returns how many times a phase was entered.
func (sm *StateMachine) TransitionCount(p Phase) int {
	return sm.transitionCount[p]
}

// IsHalted reports whether automated trading is suspended.
func (sm *StateMachine) IsHalted() bool {
	return sm.currentState == PhaseHalted
}

// Reset returns the machine to IDLE for a new day.
func (sm *StateMachine) Reset() {
	sm.currentState = PhaseIdle
	sm.previousState = PhaseIdle
	sm.lastCondition = ""
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount = make(map[Phase]int)
}

// Description returns a human-readable description of the current phase.
func (sm *StateMachine) Description() string {
	switch sm.currentState {
	case PhaseIdle:
		return "Idle, session not started"
	case PhaseWaiting:
		return "Flat, waiting for the next scheduled entry"
	case PhasePlacing:
		return "Placing entry legs"
	case PhaseMonitoring:
		return "Monitoring open sides for stops"
	case PhaseStopTriggered:
		return "Closing a stopped side"
	case PhaseDailyComplete:
		return "Day complete, no new entries"
	case PhaseHalted:
		return "Halted, automated trading suspended"
	default:
		return "Unknown phase"
	}
}
