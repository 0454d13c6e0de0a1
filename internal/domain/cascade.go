package domain

import "time"

// ApplyStatusCascade derives the overall order status from payment and
// fulfillment changes. It is pure: the caller supplies the clock and persists
// the returned copy. Cascades only move the order forward, never backwards.
//
//	payment = paid      => status = paid (when still pending)
//	fulfillment = done  => status = shipped (when pending or paid)
//	payment = refunded  => status unchanged, payment state recorded
//
// A payment state that would move the order backwards, such as a stale failed
// outcome landing after the order was already paid, is ignored.
func ApplyStatusCascade(order Order, payment *PaymentState, fulfillment *FulfillmentState, now time.Time) Order {
	if payment != nil && paymentStateAdvances(order.Payment, *payment) {
		order.Payment = *payment
		switch *payment {
		case PaymentStatePaid:
			if order.Status == OrderStatusPending {
				order.Status = OrderStatusPaid
			}
			if order.PaidAt == nil {
				at := now
				order.PaidAt = &at
			}
		case PaymentStateFailed, PaymentStatePartiallyRefunded, PaymentStateRefunded, PaymentStateUnpaid:
		}
	}
	if fulfillment != nil && fulfillmentStateAdvances(order.Fulfillment, *fulfillment) {
		order.Fulfillment = *fulfillment
		if *fulfillment == FulfillmentStateFulfilled {
			if order.Status == OrderStatusPending || order.Status == OrderStatusPaid {
				order.Status = OrderStatusShipped
			}
			if order.ShippedAt == nil {
				at := now
				order.ShippedAt = &at
			}
		}
	}
	order.UpdatedAt = now
	return order
}

// paymentStateAdvances reports whether moving from one payment state to next
// is a forward transition.
func paymentStateAdvances(from, to PaymentState) bool {
	if from == to {
		return false
	}
	switch from {
	case PaymentStateUnpaid, "":
		return true
	case PaymentStateFailed:
		return to == PaymentStatePaid
	case PaymentStatePaid:
		return to == PaymentStatePartiallyRefunded || to == PaymentStateRefunded
	case PaymentStatePartiallyRefunded:
		return to == PaymentStateRefunded
	case PaymentStateRefunded:
		return false
	}
	return false
}

// fulfillmentStateAdvances reports whether the fulfillment change moves
// forward. A fulfilled order never returns to unfulfilled.
func fulfillmentStateAdvances(from, to FulfillmentState) bool {
	if from == to {
		return false
	}
	return from != FulfillmentStateFulfilled
}
