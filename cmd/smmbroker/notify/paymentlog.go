package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/models"
)

type PaymentLog interface {
	Record(ctx context.Context, ev models.PaymentEvent) error
}

// ChannelLog posts payment events to a Telegram channel for humans.
type ChannelLog struct {
	tg      *Telegram
	channel string
}

func NewChannelLog(tg *Telegram, channel string) *ChannelLog {
	return &ChannelLog{tg: tg, channel: channel}
}

func (l *ChannelLog) Record(ctx context.Context, ev models.PaymentEvent) error {
	_, err := l.tg.SendMessage(ctx, l.channel, FormatEvent(ev), nil)
	return err
}

func FormatEvent(ev models.PaymentEvent) string {
	switch ev.Kind {
	case models.EventDepositApproved:
		return fmt.Sprintf("✅ *Deposit Approved*\nUser: %s (`%d`)\nAmount: `%s`\nDeposit ID: `%d`",
			ev.Username, ev.AccountID, ev.Amount.String(), ev.DepositID)
	case models.EventReferralBonus:
		return fmt.Sprintf("🎁 *Referral Bonus*\nUser ID: `%d`\nAmount: `%s`\nDeposit ID: `%d`",
			ev.AccountID, ev.Amount.String(), ev.DepositID)
	case models.EventOrderPlaced:
		return fmt.Sprintf("🛒 *New Order Placed*\nUser ID: `%d`\nOrder ID: `%d`\nService ID: `%d`\nCharge: `%s`",
			ev.AccountID, ev.OrderID, ev.ServiceID, ev.Amount.StringFixed(4))
	case models.EventOrderUnpaid:
		return fmt.Sprintf("⚠️ *Unpaid Order, reconcile manually*\nUser ID: `%d`\nOrder ID: `%d`\nService ID: `%d`\nCharge: `%s`",
			ev.AccountID, ev.OrderID, ev.ServiceID, ev.Amount.StringFixed(4))
	}
	return fmt.Sprintf("%s: user `%d` amount `%s`", ev.Kind, ev.AccountID, ev.Amount.String())
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaLog publishes payment events as JSON keyed by account id.
type KafkaLog struct {
	writer messageWriter
}

func NewKafkaLog(brokers []string, topic string) *KafkaLog {
	return &KafkaLog{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
	}
}

func (l *KafkaLog) Record(ctx context.Context, ev models.PaymentEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return l.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.AccountID, 10)),
		Value: data,
	})
}

func (l *KafkaLog) Close() error {
	return l.writer.Close()
}

// MultiLog records to every log and joins their errors.
type MultiLog []PaymentLog

func (m MultiLog) Record(ctx context.Context, ev models.PaymentEvent) error {
	var errs []error
	for _, l := range m {
		if err := l.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
