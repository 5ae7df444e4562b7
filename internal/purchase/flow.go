// Package purchase drives invoices, settlement and provisioning of subscribers.
package purchase

import (
	"VPN-Reseller-bot/internal/db"
	"fmt"
)

// State is a step of one purchase conversation.
type State string

const (
	StatePlanMenu           State = "plan_menu"
	StateConfirm            State = "confirm"
	StateAborted            State = "aborted"
	StatePaymentMethod      State = "payment_method"
	StateInvoiceCreated     State = "invoice_created"
	StateReceiptRequested   State = "receipt_requested"
	StateAwaitingSettlement State = "awaiting_settlement"
	StateProvisioning       State = "provisioning"
	StateDelivered          State = "delivered"
	StateFailed             State = "failed"
)

var flowTransitions = map[State][]State{
	StatePlanMenu:           {StateConfirm, StateAborted},
	StateConfirm:            {StatePaymentMethod, StateAborted},
	StatePaymentMethod:      {StateInvoiceCreated, StateReceiptRequested, StateAborted},
	StateInvoiceCreated:     {StateAwaitingSettlement, StateAborted},
	StateReceiptRequested:   {StateAwaitingSettlement, StateAborted},
	StateAwaitingSettlement: {StateProvisioning, StateFailed, StateAborted},
	StateProvisioning:       {StateDelivered, StateFailed},
}

// Flow is the purchase conversation of one chat. It is a value: transitions return a new Flow.
type Flow struct {
	State     State
	PlanGB    int
	Method    db.PaymentMethod
	PaymentID string
}

func NewFlow() Flow {
	return Flow{State: StatePlanMenu}
}

// Next moves the flow to another state.
func (f Flow) Next(to State) (Flow, error) {
	for _, s := range flowTransitions[f.State] {
		if s == to {
			f.State = to
			return f, nil
		}
	}
	return f, fmt.Errorf("purchase flow: %s -> %s not allowed", f.State, to)
}

// Select picks a plan from the menu.
func (f Flow) Select(gb int) (Flow, error) {
	next, err := f.Next(StateConfirm)
	if err != nil {
		return f, err
	}
	next.PlanGB = gb
	return next, nil
}

// Choose records the payment method after confirmation.
func (f Flow) Choose(method db.PaymentMethod, paymentID string) (Flow, error) {
	to := StateInvoiceCreated
	if method == db.MethodCard {
		to = StateReceiptRequested
	}
	next, err := f.Next(to)
	if err != nil {
		return f, err
	}
	next.Method = method
	next.PaymentID = paymentID
	return next, nil
}

// Cancel aborts the flow unless provisioning has already started.
func (f Flow) Cancel() (Flow, bool) {
	next, err := f.Next(StateAborted)
	return next, err == nil
}

// StateOf maps a stored payment onto the flow state it corresponds to.
func StateOf(p db.Payment) State {
	switch p.Status {
	case db.StatusPending:
		if p.Method == db.MethodCard {
			return StateReceiptRequested
		}
		return StateAwaitingSettlement
	case db.StatusPendingApproval:
		return StateAwaitingSettlement
	case db.StatusCompleted:
		if p.DeliveredAt != nil {
			return StateDelivered
		}
		return StateProvisioning
	case db.StatusExpired:
		return StateAborted
	}
	return StateFailed
}
