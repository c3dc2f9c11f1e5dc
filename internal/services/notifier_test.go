package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakePublisher struct {
	keys []string
	msgs []any
	err  error
}

func (p *fakePublisher) PublishJSON(ctx context.Context, key string, v any) error {
	p.keys = append(p.keys, key)
	p.msgs = append(p.msgs, v)
	return p.err
}

func TestAMQPNotifierRoutesByType(t *testing.T) {
	pub := &fakePublisher{}
	n := NewAMQPNotifier(pub)
	msg := Notification{TransactionID: "tx-1", Type: "success", Message: "Payment of 50,000 UGX has been confirmed."}
	if err := n.Notify(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if len(pub.keys) != 1 || pub.keys[0] != "notification.success" {
		t.Fatalf("keys = %v", pub.keys)
	}
	if got, ok := pub.msgs[0].(Notification); !ok || got.TransactionID != "tx-1" {
		t.Fatalf("published %#v", pub.msgs[0])
	}
}

func TestDispatchSwallowsDeliveryErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// delivery runs on a detached context even when the caller is gone
	dispatch(ctx, NewAMQPNotifier(pub), Notification{Type: "error"}, zap.NewNop())
	if len(pub.keys) != 1 {
		t.Fatalf("publish attempts = %d", len(pub.keys))
	}
}

func TestLogNotifierRedactsCodes(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	n.Notify(context.Background(), Notification{Type: "info", Message: "Your verification code is 482913. It expires in 10 minutes.", Secret: true})
	n.Notify(context.Background(), Notification{Type: "success", Message: "Payment of 50,000 UGX has been confirmed."})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	for _, e := range entries {
		if strings.Contains(e.ContextMap()["message"].(string), "482913") {
			t.Fatal("verification code written to the log")
		}
	}
	if got := entries[1].ContextMap()["message"]; got != "Payment of 50,000 UGX has been confirmed." {
		t.Fatalf("message = %v", got)
	}
}

func TestVerificationCodeIsNotLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := newHarness(t)
	h.methods.notifier = NewLogNotifier(zap.New(core))
	h.methods.log = zap.New(core)
	h.methods.newCode = func() (string, error) { return "482913", nil }

	pm, _ := h.methods.Add(context.Background(), "user-1", "mtn", "0772 123456")
	if _, err := h.methods.StartVerification(context.Background(), "user-1", pm.ID); err != nil {
		t.Fatal(err)
	}
	for _, e := range logs.All() {
		if strings.Contains(e.Message, "482913") {
			t.Fatalf("code in log message %q", e.Message)
		}
		for k, v := range e.ContextMap() {
			if s, ok := v.(string); ok && strings.Contains(s, "482913") {
				t.Fatalf("code in log field %s", k)
			}
		}
	}
}
