package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	all := []Status{StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusExpired}
	allowed := map[[2]Status]bool{
		{StatusTrialing, StatusActive}:   true,
		{StatusTrialing, StatusPastDue}:  true,
		{StatusTrialing, StatusCanceled}: true,
		{StatusActive, StatusPastDue}:    true,
		{StatusActive, StatusCanceled}:   true,
		{StatusPastDue, StatusActive}:    true,
		{StatusPastDue, StatusCanceled}:  true,
		{StatusPastDue, StatusExpired}:   true,
	}
	for _, from := range all {
		for _, to := range all {
			want := from == to || allowed[[2]Status{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestStatus_Predicates(t *testing.T) {
	assert.True(t, StatusTrialing.Entitled())
	assert.True(t, StatusActive.Entitled())
	assert.True(t, StatusPastDue.Entitled())
	assert.False(t, StatusCanceled.Entitled())
	assert.False(t, StatusExpired.Entitled())

	assert.True(t, StatusCanceled.Terminal())
	assert.True(t, StatusExpired.Terminal())
	assert.False(t, StatusPastDue.Terminal())

	assert.False(t, Status("paused").Valid())
}

func TestStatusFromGateway(t *testing.T) {
	tests := map[string]Status{
		"trialing":           StatusTrialing,
		"active":             StatusActive,
		"past_due":           StatusPastDue,
		"unpaid":             StatusPastDue,
		"canceled":           StatusCanceled,
		"incomplete_expired": StatusExpired,
	}
	for in, want := range tests {
		got, ok := StatusFromGateway(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"incomplete", "paused", ""} {
		_, ok := StatusFromGateway(in)
		assert.False(t, ok, in)
	}
}

func TestHasGatewaySubscription(t *testing.T) {
	empty := ""
	ext := "sub_1"
	assert.False(t, (&Subscription{}).HasGatewaySubscription())
	assert.False(t, (&Subscription{ExternalSubscriptionID: &empty}).HasGatewaySubscription())
	assert.True(t, (&Subscription{ExternalSubscriptionID: &ext}).HasGatewaySubscription())
}
