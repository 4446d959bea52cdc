package escrow

import (
	"fmt"

	"github.com/mbd888/escrowd/internal/auth"
)

var transitions = map[State][]State{
	StatePending:           {StateWaitingForPayment, StateCancelled},
	StateWaitingForPayment: {StatePaid, StateCancelled, StateExpired},
	StatePaid:              {StateDelivered, StateCancelled, StateDisputed},
	StateDelivered:         {StateReceived, StateCancelled, StateDisputed},
	StateReceived:          {StateReleased, StateDisputed},
	StateDisputed:          {StateReleased, StateCancelled},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateReleased || s == StateCancelled || s == StateExpired
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// Authorize checks that actor may move e to the target state.
func Authorize(e *Escrow, to State, actor auth.Actor) error {
	buyer := actor.ID == e.BuyerID
	seller := actor.ID == e.SellerID
	admin := actor.IsAdmin()
	system := actor.IsSystem()

	var ok bool
	switch to {
	case StateDelivered:
		ok = seller || admin
	case StateReceived:
		ok = buyer || admin
	case StateReleased:
		ok = admin || system
	case StateCancelled:
		ok = buyer || seller || admin || system
	case StateDisputed:
		ok = buyer || seller
	case StateWaitingForPayment, StatePaid, StateExpired:
		ok = system
	}
	if !ok {
		return fmt.Errorf("%s cannot move escrow %s to %s: %w", actor.Role, e.ID, to, ErrWrongActor)
	}
	return nil
}

// Check validates the edge and the actor for moving e to the target state.
func Check(e *Escrow, to State, actor auth.Actor) error {
	if !CanTransition(e.State, to) {
		return fmt.Errorf("escrow %s is %s, cannot move to %s: %w", e.ID, e.State, to, ErrInvalidTransition)
	}
	return Authorize(e, to, actor)
}
