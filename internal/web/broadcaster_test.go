package web

import (
	"encoding/json"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan string) StatusEvent {
	t.Helper()
	select {
	case msg := <-ch:
		var evt StatusEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatalf("unmarshal %q: %v", msg, err)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return StatusEvent{}
}

func TestBroadcaster_Fanout(t *testing.T) {
	b := NewStatusBroadcaster()
	b.now = func() time.Time { return time.Date(2024, 5, 2, 14, 3, 9, 0, time.UTC) }
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()
	if b.Clients() != 2 {
		t.Fatalf("clients = %d, want 2", b.Clients())
	}

	b.Broadcast("warn", "Abort button pressed")
	for i, ch := range []<-chan string{ch1, ch2} {
		evt := recv(t, ch)
		if evt.Level != "warn" || evt.Msg != "Abort button pressed" || evt.Time != "2024-05-02T14:03:09Z" {
			t.Errorf("subscriber %d: %+v", i, evt)
		}
	}
}

func TestBroadcaster_PublishCarriesData(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish("progress", "", Status{Running: true, Sample: "QURO_4_b_09_12_00", Done: 3, Total: 15, Row: -1, Col: 2})
	msg := <-ch

	var evt struct {
		Level string `json:"l"`
		Data  Status `json:"data"`
	}
	if err := json.Unmarshal([]byte(msg), &evt); err != nil {
		t.Fatal(err)
	}
	if evt.Level != "progress" || evt.Data.Done != 3 || evt.Data.Total != 15 || evt.Data.Row != -1 {
		t.Errorf("event = %+v", evt)
	}
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	unsub()
	unsub() // second call is a no-op

	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}
	if b.Clients() != 0 {
		t.Errorf("clients = %d after unsubscribe", b.Clients())
	}
	b.Broadcast("info", "nobody listening")
}

func TestBroadcaster_SlowClientDrops(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish("progress", "", Status{Done: i})
	}
	if len(ch) != subscriberBuffer {
		t.Errorf("buffered = %d, want %d", len(ch), subscriberBuffer)
	}
	// the oldest events are kept, later ones dropped
	var first struct {
		Data Status `json:"data"`
	}
	json.Unmarshal([]byte(<-ch), &first)
	if first.Data.Done != 0 {
		t.Errorf("first buffered done = %d, want 0", first.Data.Done)
	}
}

func TestLogWriter(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	w := LogWriter(b)
	in := "[RingScan] 10:02:03 [LIVE] Cell (2,3) kept 2\n" +
		"   \n" +
		"[RingScan] 10:02:03 [ERROR] motion: alarm 1 (hard limit)\n" +
		"[RingScan] 10:02:04 [SERIAL] > $J=G91 G21 X3.000 F600\n"
	n, err := w.Write([]byte(in))
	if err != nil || n != len(in) {
		t.Fatalf("Write = %d, %v", n, err)
	}

	want := []string{"info", "error", "debug"}
	for i, level := range want {
		evt := recv(t, ch)
		if evt.Level != level {
			t.Errorf("line %d level = %q, want %q (%s)", i, evt.Level, level, evt.Msg)
		}
	}
	select {
	case extra := <-ch:
		t.Errorf("blank line produced an event: %s", extra)
	default:
	}
}
