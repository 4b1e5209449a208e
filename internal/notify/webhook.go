package notify

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"tiger-webhook/internal/bridgeerr"
	"tiger-webhook/pkg/types"
)

// WebhookSink posts a generic JSON payload to a single configured URL,
// the same one-shot best-effort POST shape used across the example pack's
// chat-webhook alerting (Slack-compatible {"text": ...} body).
type WebhookSink struct {
	http *resty.Client
	url  string
}

// NewWebhookSink builds a sink that posts to url.
func NewWebhookSink(url string) *WebhookSink {
	client := resty.New().SetTimeout(defaultSendTimeout)
	return &WebhookSink{http: client, url: url}
}

var _ Sink = (*WebhookSink)(nil)

func (w *WebhookSink) Send(ctx context.Context, channel string, n types.Notification) error {
	resp, err := w.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"channel": channel,
			"kind":    string(n.Kind),
			"account": n.AccountID,
			"text":    n.Message,
		}).
		Post(w.url)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.Transport, "notify.webhook", "send failed", err)
	}
	if resp.IsError() {
		return bridgeerr.New(bridgeerr.Transport, "notify.webhook", fmt.Sprintf("webhook returned %d", resp.StatusCode()))
	}
	return nil
}
