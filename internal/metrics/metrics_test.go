package metrics

import "testing"

func TestCountersIncrement(t *testing.T) {
	m := New()
	m.TCPMessagesDropped.Inc()
	m.TCPMessagesDropped.Inc()
	m.UDPMessagesDropped.Inc()
	m.ConnectionsActive.Set(3)

	if got := getCounter(m.TCPMessagesDropped); got != 2 {
		t.Errorf("tcp dropped = %v, want 2", got)
	}
	if got := getCounter(m.UDPMessagesDropped); got != 1 {
		t.Errorf("udp dropped = %v, want 1", got)
	}
	if got := getGauge(m.ConnectionsActive); got != 3 {
		t.Errorf("connections active = %v, want 3", got)
	}
}

func TestHumanBytes(t *testing.T) {
	if got := HumanBytes(1024); got == "" {
		t.Fatal("expected non-empty human-readable byte string")
	}
}
