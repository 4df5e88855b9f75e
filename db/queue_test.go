package db

import (
	"testing"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

func TestEnqueueFillsDefaults(t *testing.T) {
	database := openTestDB(t)

	item := &domain.QueueItem{
		Kind:    domain.QueueOutput,
		Payload: "{}",
	}
	if err := database.Enqueue(item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if item.Id == uuid.Nil {
		t.Error("Expected Enqueue to mint an id")
	}
	if item.CreatedAt.IsZero() || item.NextTryAt.IsZero() {
		t.Error("Expected Enqueue to fill timestamps")
	}

	count, err := database.CountQueueItems()
	if err != nil {
		t.Fatalf("CountQueueItems failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 queued item, got %d", count)
	}
}

func TestReadDueQueueItems(t *testing.T) {
	database := openTestDB(t)
	now := time.Now().UTC()

	due := &domain.QueueItem{
		Kind:      domain.QueueOutput,
		Payload:   "due",
		NextTryAt: now.Add(-time.Minute),
		CreatedAt: now.Add(-2 * time.Minute),
	}
	future := &domain.QueueItem{
		Kind:      domain.QueueOutput,
		Payload:   "future",
		NextTryAt: now.Add(time.Hour),
		CreatedAt: now,
	}
	if err := database.Enqueue(due); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := database.Enqueue(future); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	err, items := database.ReadDueQueueItems(now, 50)
	if err != nil {
		t.Fatalf("ReadDueQueueItems failed: %v", err)
	}
	if len(*items) != 1 {
		t.Fatalf("Expected 1 due item, got %d", len(*items))
	}
	if (*items)[0].Payload != "due" {
		t.Errorf("Expected the due item, got %q", (*items)[0].Payload)
	}
}

func TestReadDueQueueItemsOrder(t *testing.T) {
	database := openTestDB(t)
	now := time.Now().UTC()

	for i, payload := range []string{"second", "first"} {
		item := &domain.QueueItem{
			Kind:      domain.QueueOutput,
			Payload:   payload,
			NextTryAt: now.Add(-time.Minute),
			// "first" gets the older creation time
			CreatedAt: now.Add(time.Duration(-i) * time.Hour),
		}
		if err := database.Enqueue(item); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	err, items := database.ReadDueQueueItems(now, 50)
	if err != nil {
		t.Fatalf("ReadDueQueueItems failed: %v", err)
	}
	if len(*items) != 2 {
		t.Fatalf("Expected 2 due items, got %d", len(*items))
	}
	if (*items)[0].Payload != "first" {
		t.Errorf("Expected oldest item first, got %q", (*items)[0].Payload)
	}
}

func TestClaimQueueItem(t *testing.T) {
	database := openTestDB(t)

	item := &domain.QueueItem{Kind: domain.QueueOutput, Payload: "{}"}
	if err := database.Enqueue(item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	claimed, err := database.ClaimQueueItem(item.Id)
	if err != nil {
		t.Fatalf("ClaimQueueItem failed: %v", err)
	}
	if !claimed {
		t.Error("Expected first claim to succeed")
	}

	// a second worker claiming the same item gets nothing
	claimed, err = database.ClaimQueueItem(item.Id)
	if err != nil {
		t.Fatalf("ClaimQueueItem failed: %v", err)
	}
	if claimed {
		t.Error("Expected second claim to fail")
	}

	count, _ := database.CountQueueItems()
	if count != 0 {
		t.Errorf("Expected empty queue after claim, got %d items", count)
	}
}

func TestRequeuedItemCarriesAttemptState(t *testing.T) {
	database := openTestDB(t)
	now := time.Now().UTC()

	item := &domain.QueueItem{Kind: domain.QueueOutput, Payload: "{}"}
	if err := database.Enqueue(item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if claimed, err := database.ClaimQueueItem(item.Id); err != nil || !claimed {
		t.Fatalf("Expected the claim to succeed, got %v (err %v)", claimed, err)
	}

	// a failed delivery goes back with its attempt counters
	item.Retries = 3
	item.LastStatus = 503
	item.NextTryAt = now.Add(time.Hour)
	if err := database.Enqueue(item); err != nil {
		t.Fatalf("Re-enqueue failed: %v", err)
	}

	err, items := database.ReadDueQueueItems(now, 50)
	if err != nil {
		t.Fatalf("ReadDueQueueItems failed: %v", err)
	}
	if len(*items) != 0 {
		t.Fatalf("Expected the requeued item not due yet, got %d", len(*items))
	}

	err, items = database.ReadDueQueueItems(now.Add(time.Hour), 50)
	if err != nil {
		t.Fatalf("ReadDueQueueItems failed: %v", err)
	}
	if len(*items) != 1 {
		t.Fatalf("Expected 1 item due later, got %d", len(*items))
	}
	if (*items)[0].Retries != 3 || (*items)[0].LastStatus != 503 {
		t.Errorf("Expected retries=3 lastStatus=503, got %d/%d",
			(*items)[0].Retries, (*items)[0].LastStatus)
	}
}

func TestQueueSharedItemHasNilAccount(t *testing.T) {
	database := openTestDB(t)

	item := &domain.QueueItem{Kind: domain.QueueSharedInput, Payload: "{}"}
	if err := database.Enqueue(item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	err, items := database.ReadDueQueueItems(time.Now().UTC(), 50)
	if err != nil {
		t.Fatalf("ReadDueQueueItems failed: %v", err)
	}
	if len(*items) != 1 {
		t.Fatalf("Expected 1 item, got %d", len(*items))
	}
	if (*items)[0].AccountId != uuid.Nil {
		t.Errorf("Expected nil account id on shared item, got %s", (*items)[0].AccountId)
	}
}
