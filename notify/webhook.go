// Package notify pushes finished report text to a DingTalk-compatible group
// webhook. Delivery is best effort; the report is already saved when a push
// runs, so a failure costs a log line, never data.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

const pushTimeout = 10 * time.Second

// Webhook posts markdown messages to a single configured webhook URL.
type Webhook struct {
	url    string
	http   *http.Client
	logger *log.Logger
}

func NewWebhook(url string, logger *log.Logger) *Webhook {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Webhook{url: url, http: &http.Client{}, logger: logger}
}

type markdownMessage struct {
	MsgType  string `json:"msgtype"`
	Markdown struct {
		Title string `json:"title"`
		Text  string `json:"text"`
	} `json:"markdown"`
}

type webhookResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// PushText sends one markdown message. The webhook answers 200 even for
// rejected messages, so the body's errcode decides success.
func (w *Webhook) PushText(ctx context.Context, title, text string) error {
	msg := markdownMessage{MsgType: "markdown"}
	msg.Markdown.Title = title
	msg.Markdown.Text = text
	payload, err := sonic.ConfigStd.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode webhook message: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read webhook response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	var wr webhookResponse
	if err := sonic.ConfigStd.Unmarshal(body, &wr); err != nil {
		return fmt.Errorf("decode webhook response: %w", err)
	}
	if wr.ErrCode != 0 {
		return fmt.Errorf("webhook rejected message: %d %s", wr.ErrCode, wr.ErrMsg)
	}
	w.logger.WithField("title", title).Debug("report pushed to webhook")
	return nil
}
