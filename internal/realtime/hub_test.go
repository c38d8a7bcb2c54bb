package realtime

import (
	"testing"
	"time"

	"github.com/campuspulse/backend/internal/platform/logger"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func recvMessage(t *testing.T, ch <-chan Message, timeout time.Duration) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for realtime message")
	}
	return Message{}
}

func TestHubDeliversInOrderAndSurvivesReconnect(t *testing.T) {
	hub := NewHub(mustTestLogger(t))
	channel := StatsChannel("u1")

	clientA := hub.NewClient()
	hub.AddChannel(clientA, channel)

	first := Message{Channel: channel, Event: EventStatsUpdated, Data: map[string]any{"seq": 1}}
	second := Message{Channel: channel, Event: EventStatsUpdated, Data: map[string]any{"seq": 2}}
	hub.Broadcast(first)
	hub.Broadcast(second)

	gotFirst := recvMessage(t, clientA.Outbound, time.Second)
	gotSecond := recvMessage(t, clientA.Outbound, time.Second)
	if gotFirst.Data.(map[string]any)["seq"] != 1 {
		t.Fatalf("first message out of order: %+v", gotFirst)
	}
	if gotSecond.Data.(map[string]any)["seq"] != 2 {
		t.Fatalf("second message out of order: %+v", gotSecond)
	}

	hub.CloseClient(clientA)
	select {
	case _, ok := <-clientA.Outbound:
		if ok {
			t.Fatalf("clientA outbound should be closed after disconnect")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for clientA channel close")
	}

	clientB := hub.NewClient()
	hub.AddChannel(clientB, channel)
	hub.Broadcast(Message{Channel: channel, Event: EventStatsUpdated, Data: map[string]any{"seq": 3}})
	gotReconnect := recvMessage(t, clientB.Outbound, time.Second)
	if gotReconnect.Data.(map[string]any)["seq"] != 3 {
		t.Fatalf("reconnect message: %+v", gotReconnect)
	}
}

func TestHubChannelsAreIsolated(t *testing.T) {
	hub := NewHub(mustTestLogger(t))

	u1 := hub.NewClient()
	hub.AddChannel(u1, StatsChannel("u1"))
	u2 := hub.NewClient()
	hub.AddChannel(u2, StatsChannel("u2"))

	hub.Broadcast(Message{Channel: StatsChannel("u1"), Event: EventStatsUpdated})

	recvMessage(t, u1.Outbound, time.Second)
	select {
	case msg := <-u2.Outbound:
		t.Fatalf("u2 received foreign message: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientChannelsReturnsDetachedCopy(t *testing.T) {
	hub := NewHub(mustTestLogger(t))
	client := hub.NewClient()
	hub.AddChannel(client, StatsChannel("u1"))

	channels := hub.ClientChannels(client)
	hub.AddChannel(client, StatsChannel("u2"))

	if len(channels) != 1 || channels[0] != StatsChannel("u1") {
		t.Fatalf("snapshot = %v, want the single channel at copy time", channels)
	}
	if got := hub.ClientChannels(client); len(got) != 2 {
		t.Fatalf("live channels = %v, want 2", got)
	}
}

func TestHubDropsWhenOutboundFull(t *testing.T) {
	hub := NewHub(mustTestLogger(t))
	channel := LeaderboardChannel("individual")
	client := hub.NewClient()
	hub.AddChannel(client, channel)

	// never drained; the hub must not block past the buffer
	for i := 0; i < 25; i++ {
		hub.Broadcast(Message{Channel: channel, Event: EventLeaderboardChanged, Data: map[string]any{"seq": i}})
	}
	if got := len(client.Outbound); got != cap(client.Outbound) {
		t.Fatalf("outbound len = %d, want full buffer %d", got, cap(client.Outbound))
	}
}
