package bus

import "testing"

func TestTaskSubject(t *testing.T) {
	if got := TaskSubject("browser"); got != "runbeam.tasks.browser" {
		t.Fatalf("unexpected subject: %s", got)
	}
	if got := TaskSubject(""); got != "" {
		t.Fatalf("expected empty subject for empty engine, got %s", got)
	}
}

func TestNilBusPublish(t *testing.T) {
	var b *NatsBus
	if err := b.Publish("runbeam.tasks.browser", map[string]string{"k": "v"}); err == nil {
		t.Fatalf("expected error on nil bus")
	}
	if err := b.Subscribe(SubjectRunStatus, "", func([]byte) error { return nil }); err == nil {
		t.Fatalf("expected error on nil bus subscribe")
	}
}
