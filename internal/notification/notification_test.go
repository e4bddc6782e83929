package notification

import (
	"errors"
	"io"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"NetScope/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestHub_BroadcastsToEverySubscriber(t *testing.T) {
	hub := NewHub(4, quietLogger())
	a := hub.Subscribe()
	b := hub.Subscribe()

	hub.Publish(EventSessionProgress, SessionProgress{SessionID: "s1", RecordCount: 10})

	for _, sub := range []*Subscription{a, b} {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, EventSessionProgress, ev.Name)
			assert.Equal(t, "s1", ev.Payload.(SessionProgress).SessionID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestHub_NoReplayForLateSubscribers(t *testing.T) {
	hub := NewHub(4, quietLogger())
	hub.Publish(EventNewAlert, NewAlert{AlertID: "a1"})

	late := hub.Subscribe()
	select {
	case ev := <-late.Events():
		t.Fatalf("unexpected replayed event %s", ev.Name)
	default:
	}
}

func TestHub_FullSubscriberNeverBlocksPublisher(t *testing.T) {
	hub := NewHub(1, quietLogger())
	slow := hub.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Publish(EventSessionProgress, SessionProgress{RecordCount: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	ev := <-slow.Events()
	assert.EqualValues(t, 0, ev.Payload.(SessionProgress).RecordCount)
}

func TestHub_CloseSubscriptionAndHub(t *testing.T) {
	hub := NewHub(2, quietLogger())
	sub := hub.Subscribe()
	require.Equal(t, 1, hub.SubscriberCount())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.SubscriberCount())
	_, open := <-sub.Events()
	assert.False(t, open)

	other := hub.Subscribe()
	hub.Close()
	_, open = <-other.Events()
	assert.False(t, open)

	hub.Publish(EventNewAlert, nil)
	_, open = <-hub.Subscribe().Events()
	assert.False(t, open)
}

func TestEncodeEvent(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	data, err := EncodeEvent(Event{
		Name:    EventAlertEscalated,
		Payload: AlertEscalated{AlertID: "a1", RuleName: "High Bandwidth Usage", Severity: "critical"},
		Time:    ts,
	})
	require.NoError(t, err)

	var msg structpb.Struct
	require.NoError(t, proto.Unmarshal(data, &msg))
	fields := msg.AsMap()
	assert.Equal(t, EventAlertEscalated, fields["event"])
	assert.Equal(t, "2024-05-01T12:00:00Z", fields["time"])
	payload := fields["data"].(map[string]interface{})
	assert.Equal(t, "a1", payload["alertId"])
	assert.Equal(t, "critical", payload["severity"])
}

func TestBridge_RelaysBySubject(t *testing.T) {
	hub := NewHub(8, quietLogger())

	var mu sync.Mutex
	subjects := []string{}
	publish := func(subject string, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		subjects = append(subjects, subject)
		return nil
	}
	drained := false
	bridge := newBridge(publish, func() error { drained = true; return nil }, "netscope.events", hub, quietLogger())
	bridge.Start()

	hub.Publish(EventNewAlert, NewAlert{AlertID: "a1"})
	hub.Publish(EventSessionProgress, SessionProgress{SessionID: "s1"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(subjects) == 2
	}, time.Second, 10*time.Millisecond)

	bridge.Close()
	assert.True(t, drained)
	assert.Equal(t, []string{"netscope.events.new_alert", "netscope.events.session_progress"}, subjects)
}

func TestEmailNotifier_RendersMarkdown(t *testing.T) {
	var gotTo []string
	var gotMsg string
	n := &EmailNotifier{
		cfg: config.SMTPConfig{Host: "mail.local", Port: 25, From: "netscope@local", To: "ops@local, noc@local"},
		sendMail: func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
			assert.Equal(t, "mail.local:25", addr)
			gotTo = to
			gotMsg = string(msg)
			return nil
		},
	}

	require.NoError(t, n.Send("Alert", "# High Bandwidth Usage\n\nvalue **950**"))
	assert.Equal(t, []string{"ops@local", "noc@local"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Alert\r\n")
	assert.Contains(t, gotMsg, "High Bandwidth Usage</h1>")
	assert.Contains(t, gotMsg, "<strong>950</strong>")
}

func TestEmailNotifier_Errors(t *testing.T) {
	n := &EmailNotifier{cfg: config.SMTPConfig{Host: "mail.local", Port: 25}}
	assert.Error(t, n.Send("x", "y"))

	n = &EmailNotifier{
		cfg: config.SMTPConfig{Host: "mail.local", Port: 25, To: "ops@local"},
		sendMail: func(string, smtp.Auth, string, []string, []byte) error {
			return errors.New("connection refused")
		},
	}
	err := n.Send("x", "y")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "failed to send email"))
}
