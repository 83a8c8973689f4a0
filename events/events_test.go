package events

import (
	"context"
	"errors"
	"testing"

	"github.com/peterldowns/testy/check"
	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeAck struct {
	acked  bool
	nacked bool
}

func (f *fakeAck) Ack(tag uint64, multiple bool) error { f.acked = true; return nil }
func (f *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = true
	return nil
}
func (f *fakeAck) Reject(tag uint64, requeue bool) error { return nil }

func TestDispatch_AcksHandledEvent(t *testing.T) {
	ack := &fakeAck{}
	c := &Consumer{queue: "autobid_leads"}

	var got LeadEvent
	c.dispatch(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		Body:         []byte(`{"lead_id":"3f1c0de4-7a1b-4f2e-9d57-1f8a2b3c4d5e"}`),
	}, func(ctx context.Context, event LeadEvent) error {
		got = event
		return nil
	})

	check.Equal(t, "3f1c0de4-7a1b-4f2e-9d57-1f8a2b3c4d5e", got.LeadID)
	check.True(t, ack.acked)
	check.False(t, ack.nacked)
}

func TestDispatch_NacksMalformedBody(t *testing.T) {
	ack := &fakeAck{}
	c := &Consumer{queue: "autobid_leads"}

	called := false
	c.dispatch(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		Body:         []byte(`{not json`),
	}, func(ctx context.Context, event LeadEvent) error {
		called = true
		return nil
	})

	check.False(t, called)
	check.True(t, ack.nacked)
}

func TestDispatch_NacksHandlerFailure(t *testing.T) {
	ack := &fakeAck{}
	c := &Consumer{queue: "autobid_leads"}

	c.dispatch(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		Body:         []byte(`{"lead_id":"abc"}`),
	}, func(ctx context.Context, event LeadEvent) error {
		return errors.New("lead not found")
	})

	check.True(t, ack.nacked)
	check.False(t, ack.acked)
}
