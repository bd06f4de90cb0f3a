package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/models"
)

func TestDeposit_Conversation(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, nil)

	instr, err := f.deposits.StartDeposit(f.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "pay@upi", instr.UPIID)
	assert.Contains(t, instr.Text, "pay@upi")

	_, err = f.deposits.SubmitAmount(f.ctx, 1, "a hundred")
	assert.ErrorIs(t, err, ErrNotANumber)
	_, err = f.deposits.SubmitAmount(f.ctx, 1, "-5")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.deposits.SubmitAmount(f.ctx, 1, "0")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.deposits.SubmitEvidence(f.ctx, 1, "photo")
	assert.ErrorIs(t, err, ErrOutOfStage, "evidence before amount")

	amount, err := f.deposits.SubmitAmount(f.ctx, 1, " 100.50 ")
	require.NoError(t, err)
	requireDecimal(t, "100.50", amount)

	_, err = f.deposits.SubmitAmount(f.ctx, 1, "200")
	assert.ErrorIs(t, err, ErrOutOfStage)
	_, err = f.deposits.SubmitEvidence(f.ctx, 1, " ")
	assert.ErrorIs(t, err, ErrEvidenceRequired)

	dep, err := f.deposits.SubmitEvidence(f.ctx, 1, "photo-file-id")
	require.NoError(t, err)
	assert.Equal(t, models.DepositPending, dep.Status)
	assert.Equal(t, "photo-file-id", dep.EvidenceRef)
	requireDecimal(t, "100.50", dep.Amount)

	stored, err := f.store.GetDeposit(f.ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, "review-1", stored.ReviewRef)
	require.Len(t, f.notifier.prompts, 1)

	_, err = f.deposits.SubmitEvidence(f.ctx, 1, "photo-file-id")
	assert.ErrorIs(t, err, ErrNoSession, "conversation ends with the request")
	requireDecimal(t, "0", f.balance(t, 1))
}

func TestDeposit_SessionExpires(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, nil)

	_, err := f.deposits.StartDeposit(f.ctx, 1)
	require.NoError(t, err)
	f.clock.Advance(5 * time.Minute)

	_, err = f.deposits.SubmitAmount(f.ctx, 1, "100")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestDeposit_ReviewPromptFailureKeepsDeposit(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, nil)
	f.notifier.err = errors.New("telegram down")

	dep := f.requestDeposit(t, 1, "50")
	stored, err := f.store.GetDeposit(f.ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DepositPending, stored.Status)
	assert.Empty(t, stored.ReviewRef)
}

func TestApprove_CreditsOwnerAndPaysReferrer(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, nil)
	referrer := int64(1)
	f.register(t, 2, &referrer)

	dep := f.requestDeposit(t, 2, "100")
	res, err := f.deposits.Approve(f.ctx, adminID, dep.ID)
	require.NoError(t, err)

	requireDecimal(t, "100", res.Balance)
	require.NotNil(t, res.Bonus)
	assert.Equal(t, int64(1), res.Bonus.ReferrerID)
	requireDecimal(t, "10", res.Bonus.Amount)
	requireDecimal(t, "100", f.balance(t, 2))
	requireDecimal(t, "10", f.balance(t, 1))

	assert.Len(t, f.notifier.messagesTo(2), 1)
	assert.Len(t, f.notifier.messagesTo(1), 1)
	assert.Equal(t, []models.PaymentEventKind{models.EventDepositApproved, models.EventReferralBonus}, f.payments.kinds())
}

func TestApprove_ConcurrentDuplicatesCreditOnce(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, nil)
	referrer := int64(1)
	f.register(t, 2, &referrer)
	dep := f.requestDeposit(t, 2, "100")

	const n = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		already   int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.deposits.Approve(f.ctx, adminID, dep.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyProcessed):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, already)
	requireDecimal(t, "100", f.balance(t, 2))
	requireDecimal(t, "10", f.balance(t, 1))
}

func TestApprove_BonusOnlyOnFirstApprovedDeposit(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, nil)
	referrer := int64(1)
	f.register(t, 2, &referrer)

	first := f.requestDeposit(t, 2, "100")
	second := f.requestDeposit(t, 2, "40")

	// The second request is approved first; it is the first approved deposit.
	res, err := f.deposits.Approve(f.ctx, adminID, second.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Bonus)
	requireDecimal(t, "4", res.Bonus.Amount)

	res, err = f.deposits.Approve(f.ctx, adminID, first.ID)
	require.NoError(t, err)
	assert.Nil(t, res.Bonus)

	requireDecimal(t, "140", f.balance(t, 2))
	requireDecimal(t, "4", f.balance(t, 1))
}

func TestApprove_MissingReferrerIsSkipped(t *testing.T) {
	f := newFixture(t)
	ghost := int64(999)
	_, err := f.store.CreateAccount(f.ctx, 2, "user2", &ghost)
	require.NoError(t, err)

	dep := f.requestDeposit(t, 2, "100")
	res, err := f.deposits.Approve(f.ctx, adminID, dep.ID)
	require.NoError(t, err)
	assert.Nil(t, res.Bonus)
	requireDecimal(t, "100", f.balance(t, 2))
}

func TestApprove_Guards(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, nil)
	dep := f.requestDeposit(t, 1, "100")

	_, err := f.deposits.Approve(f.ctx, 1, dep.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.deposits.Approve(f.ctx, adminID, 12345)
	assert.ErrorIs(t, err, ErrNotFound)

	requireDecimal(t, "0", f.balance(t, 1))
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, nil)
	dep := f.requestDeposit(t, 1, "100")

	_, err := f.deposits.Reject(f.ctx, 1, dep.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	rejected, err := f.deposits.Reject(f.ctx, adminID, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DepositRejected, rejected.Status)
	require.NotNil(t, rejected.DecidedAt)

	_, err = f.deposits.Reject(f.ctx, adminID, dep.ID)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	_, err = f.deposits.Approve(f.ctx, adminID, dep.ID)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	requireDecimal(t, "0", f.balance(t, 1))
	assert.Len(t, f.notifier.messagesTo(1), 1)
	assert.Empty(t, f.payments.kinds())
}
