package activitypub

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

func TestRetryDelta(t *testing.T) {
	tests := []struct {
		name       string
		prevStatus int
		newStatus  int
		want       int
	}{
		{"bad request is terminal", 0, 400, retryTerminal},
		{"not found is terminal", 0, 404, retryTerminal},
		{"method not allowed is terminal", 0, 405, retryTerminal},
		{"gone is terminal", 0, 410, retryTerminal},
		{"connection fault is terminal", 0, -1, retryTerminal},
		{"server error costs one", 0, 503, 1},
		{"first timeout costs one", 0, 499, 1},
		{"repeated timeout costs two", 499, 499, 2},
		{"gateway timeout after timeout costs two", 499, 599, 2},
		{"timeout after server error costs one", 503, 499, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryDelta(tt.prevStatus, tt.newStatus); got != tt.want {
				t.Errorf("retryDelta(%d, %d) = %d, want %d",
					tt.prevStatus, tt.newStatus, got, tt.want)
			}
		})
	}
}

func TestIsTimeoutStatus(t *testing.T) {
	if !isTimeoutStatus(499) || !isTimeoutStatus(599) {
		t.Error("Expected 499 and 599 to count as timeouts")
	}
	if isTimeoutStatus(500) || isTimeoutStatus(200) {
		t.Error("Expected other statuses not to count as timeouts")
	}
}

func TestRequeueInputBacksOff(t *testing.T) {
	e, acc := newTestEngine(t)

	item := &domain.QueueItem{
		Id:        uuid.New(),
		Kind:      domain.QueueInput,
		AccountId: acc.Id,
		Payload:   "{}",
	}
	e.requeueInput(item)

	count, _ := e.DB.CountQueueItems()
	if count != 1 {
		t.Fatalf("Expected item requeued, got %d items", count)
	}
	if item.Retries != 1 {
		t.Errorf("Expected retries=1, got %d", item.Retries)
	}
	if !item.NextTryAt.After(time.Now()) {
		t.Error("Expected next attempt pushed into the future")
	}
}

func TestRequeueInputDropsAtCeiling(t *testing.T) {
	e, acc := newTestEngine(t)

	item := &domain.QueueItem{
		Id:        uuid.New(),
		Kind:      domain.QueueInput,
		AccountId: acc.Id,
		Payload:   "{}",
		Retries:   e.Conf.Conf.QueueRetryMax,
	}
	e.requeueInput(item)

	count, _ := e.DB.CountQueueItems()
	if count != 0 {
		t.Errorf("Expected item dropped at retry ceiling, got %d items", count)
	}
}

func TestDrainQueueClaimsItems(t *testing.T) {
	e, _ := newTestEngine(t)

	// an item of unknown kind is claimed and dropped, not left behind
	item := &domain.QueueItem{Kind: "bogus", Payload: "{}"}
	if err := e.DB.Enqueue(item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	e.DrainQueue()

	count, _ := e.DB.CountQueueItems()
	if count != 0 {
		t.Errorf("Expected queue drained, got %d items", count)
	}
}

func TestDrainQueueLeavesFutureItems(t *testing.T) {
	e, _ := newTestEngine(t)

	item := &domain.QueueItem{
		Kind:      "bogus",
		Payload:   "{}",
		NextTryAt: time.Now().Add(time.Hour).UTC(),
	}
	if err := e.DB.Enqueue(item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	e.DrainQueue()

	count, _ := e.DB.CountQueueItems()
	if count != 1 {
		t.Errorf("Expected future item untouched, got %d items", count)
	}
}

func TestProcessInputItemRetriesUnreachableActor(t *testing.T) {
	e, acc := newTestEngine(t)

	// the actor's instance answers 503, so resolution fails transiently
	// and the input comes back with an incremented retry counter
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	e.Client = srv.Client()

	msg := `{"id":"` + srv.URL + `/activities/1","type":"Follow","actor":"` + srv.URL + `/users/ghost","object":"https://example.com/users/alice"}`
	item := &domain.QueueItem{
		Id:        uuid.New(),
		Kind:      domain.QueueInput,
		AccountId: acc.Id,
		Payload:   msg,
	}
	e.processInputItem(item)

	inputs := queueItemsOfKind(t, e, domain.QueueInput)
	if len(inputs) != 1 {
		t.Fatalf("Expected input requeued, got %d", len(inputs))
	}
	if inputs[0].Retries != 1 {
		t.Errorf("Expected retries=1, got %d", inputs[0].Retries)
	}
}

func TestProcessEmailWithoutMailerDropsItem(t *testing.T) {
	e, acc := newTestEngine(t)

	item := &domain.QueueItem{
		Id:        uuid.New(),
		Kind:      domain.QueueEmail,
		AccountId: acc.Id,
		Payload:   `{"to":"a@b.example","subject":"s","body":"b"}`,
	}
	e.processEmail(item)

	count, _ := e.DB.CountQueueItems()
	if count != 0 {
		t.Errorf("Expected email item dropped without a mailer, got %d items", count)
	}
}

type failingMailer struct{ calls int }

func (m *failingMailer) Send(to, subject, body string) error {
	m.calls++
	return errors.New("smtp unavailable")
}

func TestProcessEmailRequeuesOnFailure(t *testing.T) {
	e, acc := newTestEngine(t)
	mailer := &failingMailer{}
	e.Mailer = mailer

	item := &domain.QueueItem{
		Id:        uuid.New(),
		Kind:      domain.QueueEmail,
		AccountId: acc.Id,
		Payload:   `{"to":"a@b.example","subject":"s","body":"b"}`,
	}
	e.processEmail(item)

	if mailer.calls != 1 {
		t.Errorf("Expected one send attempt, got %d", mailer.calls)
	}
	emails := queueItemsOfKind(t, e, domain.QueueEmail)
	if len(emails) != 1 {
		t.Errorf("Expected failed email requeued, got %d", len(emails))
	}
}
