package service

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/config"
)

func TestBonus_Cooldown(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, nil)

	st, err := f.bonus.Status(f.ctx, 1)
	require.NoError(t, err)
	assert.True(t, st.Ready)

	bal, err := f.bonus.Claim(f.ctx, 1)
	require.NoError(t, err)
	requireDecimal(t, "10", bal)

	f.clock.Advance(time.Hour)
	_, err = f.bonus.Claim(f.ctx, 1)
	var tooSoon *TooSoonError
	require.ErrorAs(t, err, &tooSoon)
	assert.Equal(t, 23*time.Hour, tooSoon.Remaining)

	st, err = f.bonus.Status(f.ctx, 1)
	require.NoError(t, err)
	assert.False(t, st.Ready)
	assert.Equal(t, 23*time.Hour, st.Remaining)

	f.clock.Advance(23*time.Hour - time.Nanosecond)
	_, err = f.bonus.Claim(f.ctx, 1)
	require.ErrorAs(t, err, &tooSoon)

	f.clock.Advance(time.Nanosecond)
	bal, err = f.bonus.Claim(f.ctx, 1)
	require.NoError(t, err, "claim at exactly the cooldown succeeds")
	requireDecimal(t, "20", bal)
}

func TestBonus_ConcurrentClaimsCreditOnce(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.bonus.Claim(f.ctx, 1)
		}()
	}
	wg.Wait()
	requireDecimal(t, "10", f.balance(t, 1))
}

func TestBonus_Disabled(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.BonusEnabled = false })
	f.register(t, 1, nil)

	_, err := f.bonus.Claim(f.ctx, 1)
	assert.ErrorIs(t, err, ErrBonusDisabled)
	st, err := f.bonus.Status(f.ctx, 1)
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	requireDecimal(t, "0", f.balance(t, 1))
}

func TestBonus_UnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.bonus.Claim(f.ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
}
