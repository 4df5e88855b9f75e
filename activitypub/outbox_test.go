package activitypub

import (
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

func addFollower(t *testing.T, e *Engine, acc *domain.Account, actorURI string) {
	t.Helper()
	err := e.DB.AddFollow(&domain.FollowEdge{
		Id:        uuid.New(),
		AccountId: acc.Id,
		ActorURI:  actorURI,
		Direction: domain.FollowerEdge,
		Accepted:  true,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("AddFollow failed: %v", err)
	}
}

func TestRecipientListExpandsPublic(t *testing.T) {
	e, acc := newTestEngine(t)

	addFollower(t, e, acc, "https://x.example/users/x")
	addFollower(t, e, acc, "https://y.example/users/y")

	msg := map[string]any{
		"to": []any{"https://a.example/users/a", "https://b.example/users/b"},
		"cc": []any{"https://b.example/users/b", PublicCollection},
	}

	got := e.RecipientList(acc, msg, true)
	sort.Strings(got)
	want := []string{
		"https://a.example/users/a",
		"https://b.example/users/b",
		"https://x.example/users/x",
		"https://y.example/users/y",
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d recipients, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Recipient %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestRecipientListWithoutExpansion(t *testing.T) {
	e, acc := newTestEngine(t)
	addFollower(t, e, acc, "https://x.example/users/x")

	msg := map[string]any{
		"to": []any{PublicCollection, "https://a.example/users/a"},
	}

	got := e.RecipientList(acc, msg, false)
	sort.Strings(got)
	if len(got) != 2 {
		t.Fatalf("Expected public kept verbatim, got %v", got)
	}
	if got[0] != PublicCollection {
		t.Errorf("Expected public collection in list, got %v", got)
	}
}

func TestRecipientListDropsOwnFollowersURI(t *testing.T) {
	e, acc := newTestEngine(t)

	msg := map[string]any{
		"to": []any{"https://a.example/users/a"},
		"cc": []any{e.FollowersURI(acc)},
	}

	got := e.RecipientList(acc, msg, true)
	if len(got) != 1 || got[0] != "https://a.example/users/a" {
		t.Errorf("Expected followers collection dropped, got %v", got)
	}
}

func TestMsgFollowIdShape(t *testing.T) {
	e, acc := newTestEngine(t)

	msg := e.MsgFollow(acc, "https://remote.example/users/bob")
	id := getString(msg, "id")
	if !strings.HasPrefix(id, e.Conf.BaseURL()) {
		t.Errorf("Expected follow id under our base URL, got %s", id)
	}
	if !strings.HasSuffix(id, "/Follow") {
		t.Errorf("Expected follow id to end in /Follow, got %s", id)
	}
}

func TestMsgAccept(t *testing.T) {
	e, acc := newTestEngine(t)

	follow := map[string]any{
		"id":     "https://remote.example/activities/1",
		"type":   "Follow",
		"actor":  "https://remote.example/users/bob",
		"object": e.ActorURI(acc.Username),
	}
	msg := e.MsgAccept(acc, follow)

	if getString(msg, "type") != "Accept" {
		t.Errorf("Expected Accept, got %s", getString(msg, "type"))
	}
	obj := objectMap(msg)
	if obj == nil {
		t.Fatal("Expected embedded Follow object")
	}
	if getString(obj, "id") != "https://remote.example/activities/1" {
		t.Errorf("Expected original follow id echoed, got %s", getString(obj, "id"))
	}
	to := getList(msg, "to")
	if len(to) != 1 || to[0] != "https://remote.example/users/bob" {
		t.Errorf("Expected Accept addressed to the follower, got %v", to)
	}
}

func TestMsgQuestionOptionHygiene(t *testing.T) {
	e, acc := newTestEngine(t)

	long := strings.Repeat("x", 100)
	options := []string{"a", "b", "a", "", long, "c", "d", "e", "f", "g", "h", "i"}
	msg := e.MsgQuestion(acc, "pick one", options, false, time.Hour)

	opts, multiple := questionOptions(msg)
	if multiple {
		t.Error("Expected oneOf for a single-choice poll")
	}
	if len(opts) > maxQuestionOptions {
		t.Errorf("Expected at most %d options, got %d", maxQuestionOptions, len(opts))
	}
	seen := make(map[string]bool)
	for _, opt := range opts {
		if seen[opt] {
			t.Errorf("Duplicate option %q survived", opt)
		}
		seen[opt] = true
		if len(opt) > maxOptionLength {
			t.Errorf("Option longer than %d chars survived", maxOptionLength)
		}
	}

	multi := e.MsgQuestion(acc, "pick many", []string{"a", "b"}, true, time.Hour)
	if _, multiple := questionOptions(multi); !multiple {
		t.Error("Expected anyOf for a multiple-choice poll")
	}
}

func TestPublishNote(t *testing.T) {
	e, acc := newTestEngine(t)

	noteURI, err := e.PublishNote(acc, "hello world", "")
	if err != nil {
		t.Fatalf("PublishNote failed: %v", err)
	}
	if !strings.HasPrefix(noteURI, e.Conf.BaseURL()+"/notes/") {
		t.Errorf("Expected note id under /notes/, got %s", noteURI)
	}

	exists, _ := e.DB.ObjectExists(noteURI)
	if !exists {
		t.Error("Expected published note to be stored")
	}
	in, _ := e.DB.InTimeline(acc.Id, noteURI)
	if !in {
		t.Error("Expected published note in own timeline")
	}

	// the fan-out root waits in the queue for drain-time expansion
	msgs := queueItemsOfKind(t, e, domain.QueueMessage)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 queued message, got %d", len(msgs))
	}
	if !strings.Contains(msgs[0].Payload, `"Create"`) {
		t.Errorf("Expected Create payload, got %s", msgs[0].Payload)
	}
}

func TestPublishQuestionSchedulesClose(t *testing.T) {
	e, acc := newTestEngine(t)

	qURI, err := e.PublishQuestion(acc, "tabs or spaces", []string{"tabs", "spaces"}, false, time.Hour)
	if err != nil {
		t.Fatalf("PublishQuestion failed: %v", err)
	}

	closes := queueItemsOfKind(t, e, domain.QueueCloseQuestion)
	if len(closes) != 1 {
		t.Fatalf("Expected 1 scheduled close, got %d", len(closes))
	}
	if closes[0].Payload != qURI {
		t.Errorf("Expected close item to name the poll, got %s", closes[0].Payload)
	}
	if closes[0].NextTryAt.Before(time.Now().Add(50 * time.Minute)) {
		t.Errorf("Expected close scheduled near the end time, got %s", closes[0].NextTryAt)
	}
}

func TestDispatchMessagePrefersSharedInbox(t *testing.T) {
	e, acc := newTestEngine(t)

	// two actors on the same instance advertising one shared inbox
	for _, name := range []string{"bob", "carol"} {
		uri := "https://remote.example/users/" + name
		actor := &domain.RemoteActor{
			Id:             uuid.New(),
			Username:       name,
			Domain:         "remote.example",
			ActorURI:       uri,
			InboxURI:       uri + "/inbox",
			SharedInboxURI: "https://remote.example/inbox",
			PublicKeyPem:   testKeys().Public,
			LastFetchedAt:  time.Now().UTC(),
		}
		if err := e.DB.UpsertRemoteActor(actor); err != nil {
			t.Fatalf("UpsertRemoteActor failed: %v", err)
		}
	}

	msg := map[string]any{
		"id":    e.MintID(),
		"type":  "Create",
		"actor": e.ActorURI(acc.Username),
		"to": []any{
			"https://remote.example/users/bob",
			"https://remote.example/users/carol",
		},
	}
	e.DispatchMessage(acc, msg)

	outputs := queueItemsOfKind(t, e, domain.QueueOutput)
	if len(outputs) != 1 {
		t.Fatalf("Expected a single delivery to the shared inbox, got %d", len(outputs))
	}
	if outputs[0].InboxURI != "https://remote.example/inbox" {
		t.Errorf("Expected shared inbox target, got %s", outputs[0].InboxURI)
	}
}

func TestSendFollowRecordsPendingEdge(t *testing.T) {
	e, acc := newTestEngine(t)
	bob := cacheRemoteActor(t, e, "https://remote.example/users/bob")

	if err := e.SendFollow(acc, bob.ActorURI); err != nil {
		t.Fatalf("SendFollow failed: %v", err)
	}

	err, edge := e.DB.ReadFollow(acc.Id, bob.ActorURI, domain.FollowingEdge)
	if err != nil || edge == nil {
		t.Fatalf("Expected following edge, got err %v", err)
	}
	if edge.Accepted {
		t.Error("Expected edge to be pending until the Accept arrives")
	}
	if !strings.HasSuffix(edge.URI, "/Follow") {
		t.Errorf("Expected follow activity id to end in /Follow, got %s", edge.URI)
	}

	outputs := queueItemsOfKind(t, e, domain.QueueOutput)
	if len(outputs) != 1 {
		t.Errorf("Expected 1 queued Follow delivery, got %d", len(outputs))
	}
}

func TestSendUnfollow(t *testing.T) {
	e, acc := newTestEngine(t)
	bob := cacheRemoteActor(t, e, "https://remote.example/users/bob")

	if err := e.SendFollow(acc, bob.ActorURI); err != nil {
		t.Fatalf("SendFollow failed: %v", err)
	}
	if err := e.SendUnfollow(acc, bob.ActorURI); err != nil {
		t.Fatalf("SendUnfollow failed: %v", err)
	}

	count, _ := e.DB.CountFollows(acc.Id, domain.FollowingEdge)
	if count != 0 {
		t.Errorf("Expected following edge removed, got %d", count)
	}

	// Follow plus Undo
	outputs := queueItemsOfKind(t, e, domain.QueueOutput)
	if len(outputs) != 2 {
		t.Fatalf("Expected 2 queued deliveries, got %d", len(outputs))
	}

	if err := e.SendUnfollow(acc, bob.ActorURI); err == nil {
		t.Error("Expected unfollow of a non-followed actor to fail")
	}
}
