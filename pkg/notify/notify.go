// Package notify posts run summaries to a Feishu chat.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/httprunner/droidfleet"
	"github.com/httprunner/droidfleet/internal/config"
	jsoniter "github.com/json-iterator/go"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	envAppID     = "FEISHU_APP_ID"
	envAppSecret = "FEISHU_APP_SECRET"
	envChatID    = "FEISHU_NOTIFY_CHAT_ID"
	envBaseURL   = "FEISHU_BASE_URL"

	goalPreviewLength  = 100
	errorPreviewLength = 80
)

type messageAPI interface {
	Create(ctx context.Context, req *larkim.CreateMessageReq, options ...larkcore.RequestOptionFunc) (*larkim.CreateMessageResp, error)
}

// Feishu sends one text message per run.
type Feishu struct {
	messages messageAPI
	chatID   string
}

// FromEnv returns a notifier when the app credentials and chat ID are all
// set, and nil otherwise.
func FromEnv() *Feishu {
	appID := config.String(envAppID, "")
	appSecret := config.String(envAppSecret, "")
	chatID := config.String(envChatID, "")
	if appID == "" || appSecret == "" || chatID == "" {
		return nil
	}
	opts := []lark.ClientOptionFunc{
		lark.WithLogLevel(larkcore.LogLevelError),
	}
	if base := strings.TrimRight(config.String(envBaseURL, ""), "/"); base != "" && base != lark.FeishuBaseUrl {
		opts = append(opts, lark.WithOpenBaseUrl(base))
	}
	client := lark.NewClient(appID, appSecret, opts...)
	return &Feishu{messages: client.Im.V1.Message, chatID: chatID}
}

// RecordRun posts the summary of report.
func (f *Feishu) RecordRun(ctx context.Context, report droidfleet.RunReport) error {
	if f == nil || f.messages == nil {
		return nil
	}
	content, err := json.Marshal(map[string]string{"text": Render(report)})
	if err != nil {
		return errors.Wrap(err, "feishu: encode message")
	}
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(f.chatID).
			MsgType(larkim.MsgTypeText).
			Content(string(content)).
			Build()).
		Build()
	resp, err := f.messages.Create(ctx, req)
	if err != nil {
		return errors.Wrap(err, "feishu: send run summary")
	}
	if resp == nil || !resp.Success() {
		code, msg := -1, "empty response"
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return errors.Errorf("feishu: send run summary failed code=%d msg=%s", code, msg)
	}
	return nil
}

// Render formats the plain-text message body.
func Render(report droidfleet.RunReport) string {
	s := report.Summary
	var b strings.Builder
	status := "✅"
	if !s.AllSucceeded() {
		status = "❌"
	}
	fmt.Fprintf(&b, "%s droidfleet run %s\n", status, report.RunID)
	if report.TaskName != "" {
		fmt.Fprintf(&b, "Task: %s\n", report.TaskName)
	}
	fmt.Fprintf(&b, "Goal: %s\n", preview(report.Goal, goalPreviewLength))
	if report.HostID != "" {
		fmt.Fprintf(&b, "Host: %s\n", report.HostID)
	}
	fmt.Fprintf(&b, "Result: %d/%d succeeded in %.1fs, %s\n", s.SuccessCount, s.Total, s.Elapsed.Seconds(), s.ModeLabel())
	for _, r := range s.Results {
		if r.Success {
			fmt.Fprintf(&b, "✅ %s (%d steps, %.1fs)\n", r.DeviceName, r.Steps, r.Duration.Seconds())
			continue
		}
		fmt.Fprintf(&b, "❌ %s: %s\n", r.DeviceName, preview(r.Error, errorPreviewLength))
	}
	return strings.TrimRight(b.String(), "\n")
}

func preview(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
