package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to OrderStatus }{
		{OrderStatusPending, OrderStatusPaid},
		{OrderStatusPending, OrderStatusCancelled},
		{OrderStatusPaid, OrderStatusDispatched},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr.from, tr.to), "%s -> %s should be allowed", tr.from, tr.to)
	}

	forbidden := []struct{ from, to OrderStatus }{
		{OrderStatusPaid, OrderStatusPending},
		{OrderStatusPaid, OrderStatusCancelled},
		{OrderStatusDispatched, OrderStatusPaid},
		{OrderStatusDispatched, OrderStatusCancelled},
		{OrderStatusCancelled, OrderStatusPaid},
		{OrderStatusCancelled, OrderStatusPending},
		{OrderStatusPending, OrderStatusDispatched},
		{OrderStatusPending, OrderStatusPending},
	}
	for _, tr := range forbidden {
		assert.False(t, CanTransition(tr.from, tr.to), "%s -> %s should be rejected", tr.from, tr.to)
	}
}

func TestOrderStatusString(t *testing.T) {
	assert.Equal(t, "pending", OrderStatusPending.String())
	assert.Equal(t, "paid", OrderStatusPaid.String())
	assert.Equal(t, "dispatched", OrderStatusDispatched.String())
	assert.Equal(t, "cancelled", OrderStatusCancelled.String())
	assert.Equal(t, "unknown", OrderStatus(42).String())
}
