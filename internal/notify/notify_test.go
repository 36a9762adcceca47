package notify

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSlackNotifier_Send(t *testing.T) {
	var got SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("expected POST, got %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	err := notifier.Send(Notification{
		Title:   "Agent failed",
		Message: "tmux session exited",
		Type:    NotifyError,
		TaskID:  "t1",
		Branch:  "fleet/widget",
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if got.Text != "Agent failed" {
		t.Errorf("text = %q", got.Text)
	}
	if len(got.Attachments) != 1 {
		t.Fatalf("attachments = %d", len(got.Attachments))
	}
	att := got.Attachments[0]
	if att.Color != "danger" || att.Title != "fleet/widget" {
		t.Errorf("attachment = %+v", att)
	}
}

func TestSlackNotifier_EmptyWebhookIsDisabled(t *testing.T) {
	notifier := NewSlackNotifier("")
	if err := notifier.Send(Notification{Title: "ignored"}); err != nil {
		t.Errorf("disabled notifier errored: %v", err)
	}
}

func TestSlackNotifier_NonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	if err := notifier.Send(Notification{Title: "x"}); err == nil {
		t.Error("expected error on 403")
	}
}

func TestNotificationTypeColors(t *testing.T) {
	tests := []struct {
		typ  NotificationType
		want string
	}{
		{NotifySuccess, "good"},
		{NotifyWarning, "warning"},
		{NotifyError, "danger"},
		{NotifyInfo, "#439FE0"},
	}

	for _, tt := range tests {
		got := SlackColor(tt.typ)
		if got != tt.want {
			t.Errorf("SlackColor(%v) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

type mockNotifier struct {
	name  string
	calls *[]string
	err   error
}

func (m *mockNotifier) Send(n Notification) error {
	*m.calls = append(*m.calls, m.name)
	return m.err
}

func TestMulti(t *testing.T) {
	var called []string
	multi := NewMulti(
		&mockNotifier{name: "slack", calls: &called},
		&mockNotifier{name: "noop", calls: &called},
	)
	if err := multi.Send(Notification{Title: "Test"}); err != nil {
		t.Fatal(err)
	}
	if len(called) != 2 {
		t.Errorf("calls = %v", called)
	}
}

func TestMultiAttemptsAllDestinations(t *testing.T) {
	var called []string
	boom := errors.New("webhook down")
	multi := NewMulti(
		&mockNotifier{name: "first", calls: &called, err: boom},
		&mockNotifier{name: "second", calls: &called},
	)
	err := multi.Send(Notification{Title: "Test"})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if len(called) != 2 {
		t.Errorf("failed destination short-circuited: %v", called)
	}
}
