package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	mail "github.com/go-mail/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSender struct {
	sent []*mail.Message
	err  error
}

func (f *fakeSender) DialAndSend(m ...*mail.Message) error {
	f.sent = append(f.sent, m...)
	return f.err
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	boom := errors.New("boom")
	m := Multi{a, nil, Func(func(context.Context, Event) error { return boom }), b}

	err := m.Notify(context.Background(), Event{Kind: NodeOffline})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, a.Count(NodeOffline))
	assert.Equal(t, 1, b.Count(NodeOffline))
}

func TestLog_DoesNotFail(t *testing.T) {
	n := NewLog(zaptest.NewLogger(t))
	for _, sev := range []Severity{Info, Warning, Critical} {
		require.NoError(t, n.Notify(context.Background(), Event{
			Kind: SecretCritical, Severity: sev, Message: "secret expiring", SecretID: "s1",
			Fields: map[string]any{"days_left": 3},
		}))
	}
}

func TestMail_FiltersBySeverity(t *testing.T) {
	fs := &fakeSender{}
	n := NewMail(MailConfig{From: "edgesync@example.com", To: []string{"ops@example.com"}, MinSeverity: Critical})
	n.dialer = fs

	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, Event{Kind: SecretExpired, Severity: Warning}))
	assert.Empty(t, fs.sent)

	require.NoError(t, n.Notify(ctx, Event{
		Kind: SecretCompromised, Severity: Critical, Message: "secret compromised",
		SecretID: "s1", SecretType: "sync", At: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}))
	require.Len(t, fs.sent, 1)
	assert.Equal(t, []string{"[edgesync][CRITICAL] secret_compromised"}, fs.sent[0].GetHeader("Subject"))
}

func TestMail_SendError(t *testing.T) {
	n := NewMail(MailConfig{To: []string{"ops@example.com"}})
	n.dialer = &fakeSender{err: errors.New("refused")}
	err := n.Notify(context.Background(), Event{Kind: OutboxDead, Severity: Critical})
	assert.Error(t, err)
}

func TestParseSeverity(t *testing.T) {
	assert.Equal(t, Info, ParseSeverity("info"))
	assert.Equal(t, Warning, ParseSeverity("warning"))
	assert.Equal(t, Critical, ParseSeverity(""))
	assert.Equal(t, "critical", Critical.String())
}
