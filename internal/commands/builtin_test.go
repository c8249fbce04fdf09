package commands

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestPingReportsLatencyAndUptime(t *testing.T) {
	d := Deps{
		StartedAt: time.Now().Add(-90 * time.Second),
		Latency:   func() time.Duration { return 42 * time.Millisecond },
	}

	res, err := d.ping(context.Background(), &Invocation{Name: "ping"})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !strings.Contains(res.Text, "42ms") {
		t.Errorf("reply %q does not include heartbeat latency", res.Text)
	}
	if !strings.Contains(res.Text, "1m30s") {
		t.Errorf("reply %q does not include uptime", res.Text)
	}
}

func TestPingWithoutLatencyProvider(t *testing.T) {
	d := Deps{StartedAt: time.Now()}

	res, err := d.ping(context.Background(), &Invocation{Name: "ping"})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !strings.Contains(res.Text, "Pong!") {
		t.Errorf("reply = %q", res.Text)
	}
}
