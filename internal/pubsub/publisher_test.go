package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metergate/internal/model"
)

type recordingPublisher struct {
	topic   string
	payload []byte
	attrs   map[string]string
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload []byte, attrs map[string]string) (string, error) {
	p.topic, p.payload, p.attrs = topic, payload, attrs
	return "msg-1", p.err
}

func TestNotifierPublishesNotice(t *testing.T) {
	pub := &recordingPublisher{}
	n := NewNotifier(pub, "quota-exhausted")
	notice := model.QuotaExhaustedNotice{
		AccountID: "acc-1",
		Email:     "a@example.com",
		Tier:      model.TierBase,
		NextReset: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}

	require.NoError(t, n.NotifyQuotaExhausted(context.Background(), notice))
	assert.Equal(t, "quota-exhausted", pub.topic)
	assert.Equal(t, "acc-1", pub.attrs["account_id"])

	var got model.QuotaExhaustedNotice
	require.NoError(t, json.Unmarshal(pub.payload, &got))
	assert.Equal(t, notice.AccountID, got.AccountID)
	assert.True(t, notice.NextReset.Equal(got.NextReset))
}

func TestNotifierPropagatesPublishError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("unavailable")}
	err := NewNotifier(pub, "t").NotifyQuotaExhausted(context.Background(), model.QuotaExhaustedNotice{AccountID: "x"})
	assert.Error(t, err)
}
