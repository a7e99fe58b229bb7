package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestTokenStore(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewTokenStore(clk, time.Minute)

	tok := s.Issue("c1", "tab-1")
	assert.NotEmpty(t, tok)

	tests := []struct {
		name    string
		cluster string
		tab     string
		token   string
	}{
		{name: "wrong cluster", cluster: "c2", tab: "tab-1", token: tok},
		{name: "wrong tab", cluster: "c1", tab: "tab-2", token: tok},
		{name: "wrong token", cluster: "c1", tab: "tab-1", token: "nope"},
		{name: "empty token", cluster: "c1", tab: "tab-1", token: ""},
		{name: "empty tab", cluster: "c1", tab: "", token: tok},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, s.Consume(tt.cluster, tt.tab, tt.token), ErrInvalidToken)
		})
	}

	assert.NoError(t, s.Consume("c1", "tab-1", tok))
	assert.ErrorIs(t, s.Consume("c1", "tab-1", tok), ErrInvalidToken, "tokens are single use")
}

func TestTokenStore_Expiry(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewTokenStore(clk, time.Minute)

	tok := s.Issue("c1", "tab")
	clk.SetTime(clk.Now().Add(time.Minute))
	assert.ErrorIs(t, s.Consume("c1", "tab", tok), ErrInvalidToken)
	assert.Equal(t, 0, s.Len())
}

func TestTokenStore_ReissueReplaces(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Now())
	s := NewTokenStore(clk, 0)

	first := s.Issue("c1", "tab")
	second := s.Issue("c1", "tab")
	assert.NotEqual(t, first, second)
	assert.ErrorIs(t, s.Consume("c1", "tab", first), ErrInvalidToken)

	third := s.Issue("c1", "tab")
	assert.NoError(t, s.Consume("c1", "tab", third))
}

func TestTokenStore_IssuePrunesExpired(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Now())
	s := NewTokenStore(clk, time.Minute)

	s.Issue("c1", "a")
	s.Issue("c1", "b")
	clk.SetTime(clk.Now().Add(2 * time.Minute))
	s.Issue("c1", "c")
	assert.Equal(t, 1, s.Len())
}
