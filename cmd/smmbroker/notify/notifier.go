package notify

import (
	"context"
	"fmt"
	"strconv"

	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/models"
)

// Callback data prefixes of the review prompt buttons.
const (
	ApproveDepositPrefix = "approve_deposit_"
	RejectDepositPrefix  = "reject_deposit_"
)

// ChatNotifier sends messages to users and review prompts to the admin chat.
type ChatNotifier struct {
	tg          *Telegram
	adminChatID string
}

func NewChatNotifier(tg *Telegram, adminID int64) *ChatNotifier {
	return &ChatNotifier{tg: tg, adminChatID: strconv.FormatInt(adminID, 10)}
}

func (n *ChatNotifier) Notify(ctx context.Context, accountID int64, text string) error {
	_, err := n.tg.SendMessage(ctx, strconv.FormatInt(accountID, 10), text, nil)
	return err
}

// SendReviewPrompt posts the deposit evidence to the admin with approve and
// reject buttons and returns the prompt's message id.
func (n *ChatNotifier) SendReviewPrompt(ctx context.Context, d models.Deposit, username string) (string, error) {
	caption := fmt.Sprintf("💰 *New Deposit Request*\nUser: %s (`%d`)\nAmount: `%s`\nDeposit ID: `%d`",
		username, d.AccountID, d.Amount.String(), d.ID)
	markup := &InlineKeyboard{InlineKeyboard: [][]InlineButton{{
		{Text: "✅ Approve", CallbackData: ApproveDepositPrefix + strconv.FormatInt(d.ID, 10)},
		{Text: "❌ Reject", CallbackData: RejectDepositPrefix + strconv.FormatInt(d.ID, 10)},
	}}}

	var (
		id  int64
		err error
	)
	if d.EvidenceRef != "" {
		id, err = n.tg.SendPhoto(ctx, n.adminChatID, d.EvidenceRef, caption, markup)
	} else {
		id, err = n.tg.SendMessage(ctx, n.adminChatID, caption, markup)
	}
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}
