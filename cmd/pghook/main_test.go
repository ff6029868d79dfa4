package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pghook/pghook/internal/config"
)

func TestWithCode(t *testing.T) {
	if withCode(exitProvisioning, nil) != nil {
		t.Error("expected nil for nil error")
	}

	err := fmt.Errorf("listener: %w", withCode(exitSubscription, errors.New("conn closed")))

	var exitErr *exitError
	if !errors.As(err, &exitErr) {
		t.Fatal("expected exitError in chain")
	}
	if exitErr.code != exitSubscription {
		t.Errorf("expected code %d, got %d", exitSubscription, exitErr.code)
	}
	if exitErr.Error() != "conn closed" {
		t.Errorf("unexpected message: %s", exitErr.Error())
	}
}

func TestTriggerConfig(t *testing.T) {
	cfg := &config.Config{
		Listener: config.ListenerConfig{
			Channel:       "events",
			Function:      "notify_event",
			TriggerPrefix: "notify_",
			Tables:        []string{"orders", "refunds"},
		},
	}

	tc := triggerConfig(cfg)
	if tc.Channel != "events" || tc.Function != "notify_event" {
		t.Errorf("unexpected trigger config: %+v", tc)
	}
	if got := tc.TriggerName("refunds"); got != "notify_refunds_event" {
		t.Errorf("TriggerName() = %s, want notify_refunds_event", got)
	}
}
