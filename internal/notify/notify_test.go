package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nadmax/noos/internal/config"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNotifier(t *testing.T, status int) (*SendGridNotifier, *[]byte) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	n := NewSendGridNotifier(config.EmailConfig{
		APIKey:      "test-key",
		FromName:    "NOOS",
		FromAddress: "noos@example.com",
		Recipients:  []string{"planner@example.com", "buyer@example.com"},
	})
	n.client.BaseURL = srv.URL + "/v3/mail/send"
	return n, &received
}

func TestNew(t *testing.T) {
	assert.IsType(t, Nop{}, New(config.EmailConfig{}))
	assert.IsType(t, Nop{}, New(config.EmailConfig{APIKey: "key"}))
	assert.IsType(t, &SendGridNotifier{}, New(config.EmailConfig{APIKey: "key", Recipients: []string{"a@example.com"}}))
	assert.NoError(t, Nop{}.Notify(context.Background(), "s", "b"))
}

func TestSendGridNotifier_Notify(t *testing.T) {
	n, received := testNotifier(t, http.StatusAccepted)

	require.NoError(t, n.Notify(context.Background(), "NOOS run 12 completed", "3 bestsellers"))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(*received, &payload))
	assert.Equal(t, "NOOS run 12 completed", payload["subject"])

	personalizations := payload["personalizations"].([]any)
	require.Len(t, personalizations, 1)
	tos := personalizations[0].(map[string]any)["to"].([]any)
	assert.Len(t, tos, 2)
}

func TestSendGridNotifier_ErrorStatus(t *testing.T) {
	n, _ := testNotifier(t, http.StatusUnauthorized)

	err := n.Notify(context.Background(), "subject", "body")
	assert.ErrorContains(t, err, "status 401")
}

func TestBuildMessage(t *testing.T) {
	m := buildMessage(mail.NewEmail("NOOS", "noos@example.com"), []string{"a@example.com"}, "subject", "body")

	assert.Equal(t, "subject", m.Subject)
	assert.Equal(t, "noos@example.com", m.From.Address)
	require.Len(t, m.Content, 1)
	assert.Equal(t, "body", m.Content[0].Value)
}
