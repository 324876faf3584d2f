package notify_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Odenhjalm/Aveli-sub000/internal/notify"
	"github.com/Odenhjalm/Aveli-sub000/internal/queue"
	"github.com/Odenhjalm/Aveli-sub000/internal/store"
)

type sentMail struct {
	to      []string
	subject string
	html    string
	text    string
}

func captureSender(out *[]sentMail, err error) notify.SendFunc {
	return func(_ context.Context, to []string, subject, html, text string) error {
		*out = append(*out, sentMail{to, subject, html, text})
		return err
	}
}

func TestRenderFailure(t *testing.T) {
	t.Parallel()
	subject, html, text, err := notify.RenderFailure(notify.FailureTemplateData{
		Queue:     "media",
		JobID:     "1b4e28ba-2fa1-11d2-883f-0016d3cca427",
		Attempts:  5,
		Permanent: true,
		Error:     "ffmpeg: <invalid data>",
		At:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "[aveli] media job 1b4e28ba-2fa1-11d2-883f-0016d3cca427 failed", subject)
	assert.Contains(t, text, "Attempts: 5 (permanent error)")
	assert.Contains(t, text, "2026-03-01T12:00:00Z")
	assert.Contains(t, text, "ffmpeg: <invalid data>")
	assert.Contains(t, html, "ffmpeg: &lt;invalid data&gt;", "html body escapes the error")
	assert.NotContains(t, text, "Host:")
}

func TestRenderFailure_SubjectCannotInjectHeaders(t *testing.T) {
	t.Parallel()
	subject, _, _, err := notify.RenderFailure(notify.FailureTemplateData{
		Queue: "webhook\r\nBcc: attacker@evil.example",
		JobID: "x",
	})
	require.NoError(t, err)
	assert.NotContains(t, subject, "\n")
	assert.NotContains(t, subject, "\r")
}

func TestAlerter_NilWithoutRecipients(t *testing.T) {
	t.Parallel()
	a := notify.NewAlerterWithSender(nil, func(context.Context, []string, string, string, string) error {
		t.Fatal("send must not be called")
		return nil
	}, nil)
	assert.Nil(t, a)
	// A nil alerter is safe to call.
	a.NotifyFailure(context.Background(), notify.Failure{Queue: "media", JobID: "x", Err: errors.New("boom")})
}

func TestAlerter_NotifyFailure(t *testing.T) {
	t.Parallel()
	var sent []sentMail
	a := notify.NewAlerterWithSender([]string{"ops@example.com", "oncall@example.com"}, captureSender(&sent, nil), nil)

	a.NotifyFailure(context.Background(), notify.Failure{
		Queue:    "webhook",
		JobID:    "job-1",
		Attempts: 5,
		Err:      errors.New("connection reset by peer"),
	})

	require.Len(t, sent, 1)
	assert.Equal(t, []string{"ops@example.com", "oncall@example.com"}, sent[0].to)
	assert.Equal(t, "[aveli] webhook job job-1 failed", sent[0].subject)
	assert.Contains(t, sent[0].text, "connection reset by peer")
	assert.NotContains(t, sent[0].text, "permanent error")
}

func TestAlerter_SendErrorIsSwallowed(t *testing.T) {
	t.Parallel()
	var sent []sentMail
	a := notify.NewAlerterWithSender([]string{"ops@example.com"}, captureSender(&sent, errors.New("smtp down")), nil)
	a.NotifyFailure(context.Background(), notify.Failure{Queue: "media", JobID: "j"})
	assert.Len(t, sent, 1)
}

func TestHook_ReportsFinalAttempt(t *testing.T) {
	t.Parallel()
	var sent []sentMail
	a := notify.NewAlerterWithSender([]string{"ops@example.com"}, captureSender(&sent, nil), nil)

	asset := &store.MediaAsset{ID: uuid.New(), ProcessingAttempts: 4}
	hook := notify.Hook[*store.MediaAsset](a, "media")

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // settlement contexts may already be cancelled at shutdown
	hook(ctx, asset, queue.Permanent(fmt.Errorf("unsupported media asset type video/lesson_video")))

	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].subject, asset.ID.String())
	assert.Contains(t, sent[0].text, "Attempts: 5 (permanent error)")
	assert.True(t, strings.Contains(sent[0].text, "video/lesson_video"))
}
