package activitypub

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/google/uuid"
)

// Poll authoring limits
const (
	maxQuestionOptions = 8
	maxOptionLength    = 60
)

func (e *Engine) baseMsg(typ string, acc *domain.Account) map[string]any {
	return map[string]any{
		"@context":  ContextActivityStreams,
		"id":        e.MintID(),
		"type":      typ,
		"actor":     e.ActorURI(acc.Username),
		"published": util.IsoDate(time.Now()),
	}
}

// MsgAccept builds an Accept for a received Follow
func (e *Engine) MsgAccept(acc *domain.Account, follow map[string]any) map[string]any {
	msg := e.baseMsg("Accept", acc)
	msg["object"] = map[string]any{
		"id":     getString(follow, "id"),
		"type":   "Follow",
		"actor":  getString(follow, "actor"),
		"object": e.ActorURI(acc.Username),
	}
	msg["to"] = []string{getString(follow, "actor")}
	return msg
}

// MsgFollow builds a Follow for a remote actor. The id ends in /Follow so
// a bare Accept referencing it can be recognized later.
func (e *Engine) MsgFollow(acc *domain.Account, actorURI string) map[string]any {
	msg := e.baseMsg("Follow", acc)
	msg["id"] = fmt.Sprintf("%s/Follow", msg["id"])
	msg["object"] = actorURI
	msg["to"] = []string{actorURI}
	return msg
}

// MsgNote builds a Note object (not the Create wrapping it)
func (e *Engine) MsgNote(acc *domain.Account, content, inReplyTo string, to, cc []string) map[string]any {
	actorURI := e.ActorURI(acc.Username)
	note := map[string]any{
		"id":           fmt.Sprintf("%s/notes/%s", e.Conf.BaseURL(), uuid.New().String()),
		"type":         "Note",
		"attributedTo": actorURI,
		"content":      content,
		"published":    util.IsoDate(time.Now()),
		"to":           to,
		"cc":           cc,
	}
	if inReplyTo != "" {
		note["inReplyTo"] = inReplyTo
	}
	return note
}

// MsgQuestion builds a Question object. Options are deduplicated, capped
// and truncated; the poll closes at endTime.
func (e *Engine) MsgQuestion(acc *domain.Account, content string, options []string, multiple bool, closesIn time.Duration) map[string]any {
	seen := make(map[string]bool)
	var opts []any
	for _, opt := range options {
		if len(opt) > maxOptionLength {
			opt = opt[:maxOptionLength]
		}
		if opt == "" || seen[opt] {
			continue
		}
		seen[opt] = true
		opts = append(opts, map[string]any{
			"type": "Note",
			"name": opt,
			"replies": map[string]any{
				"type":       "Collection",
				"totalItems": 0,
			},
		})
		if len(opts) == maxQuestionOptions {
			break
		}
	}

	actorURI := e.ActorURI(acc.Username)
	q := map[string]any{
		"id":           fmt.Sprintf("%s/notes/%s", e.Conf.BaseURL(), uuid.New().String()),
		"type":         "Question",
		"attributedTo": actorURI,
		"content":      content,
		"published":    util.IsoDate(time.Now()),
		"endTime":      util.IsoDate(time.Now().Add(closesIn)),
		"votersCount":  0,
		"to":           []string{PublicCollection},
		"cc":           []string{e.FollowersURI(acc)},
	}
	if multiple {
		q["anyOf"] = opts
	} else {
		q["oneOf"] = opts
	}
	return q
}

// MsgCreate wraps an authored object in a Create, copying its addressing
func (e *Engine) MsgCreate(acc *domain.Account, obj map[string]any) map[string]any {
	msg := e.baseMsg("Create", acc)
	msg["object"] = obj
	msg["to"] = obj["to"]
	msg["cc"] = obj["cc"]
	return msg
}

// MsgUpdate wraps an object in an Update, addressing set by the caller
func (e *Engine) MsgUpdate(acc *domain.Account, obj map[string]any) map[string]any {
	msg := e.baseMsg("Update", acc)
	msg["object"] = obj
	msg["to"] = obj["to"]
	msg["cc"] = obj["cc"]
	return msg
}

// MsgUndo wraps a previously sent activity in an Undo
func (e *Engine) MsgUndo(acc *domain.Account, obj map[string]any) map[string]any {
	msg := e.baseMsg("Undo", acc)
	msg["object"] = obj
	if to, ok := obj["to"]; ok {
		msg["to"] = to
	}
	return msg
}

// MsgDelete builds a Delete carrying a Tombstone for one of our objects
func (e *Engine) MsgDelete(acc *domain.Account, objectURI string) map[string]any {
	msg := e.baseMsg("Delete", acc)
	msg["object"] = map[string]any{
		"id":   objectURI,
		"type": "Tombstone",
	}
	msg["to"] = []string{PublicCollection}
	msg["cc"] = []string{e.FollowersURI(acc)}
	return msg
}

// MsgPing builds a honk-style Ping
func (e *Engine) MsgPing(acc *domain.Account, rcptActorURI string) map[string]any {
	msg := e.baseMsg("Ping", acc)
	msg["to"] = []string{rcptActorURI}
	return msg
}

// MsgPong answers a Ping
func (e *Engine) MsgPong(acc *domain.Account, rcptActorURI, pingID string) map[string]any {
	msg := e.baseMsg("Pong", acc)
	msg["object"] = pingID
	msg["to"] = []string{rcptActorURI}
	return msg
}

// FollowersURI names the followers collection of a local account
func (e *Engine) FollowersURI(acc *domain.Account) string {
	return fmt.Sprintf("%s/followers", e.ActorURI(acc.Username))
}

// RecipientList unions the to and cc lists into a set of recipient ids.
// With expandPublic, the public collective address is substituted by the
// account's current follower list.
func (e *Engine) RecipientList(acc *domain.Account, msg map[string]any, expandPublic bool) []string {
	set := make(map[string]bool)
	followersURI := e.FollowersURI(acc)

	for _, rcpt := range recipientsOf(msg) {
		if rcpt == "" || rcpt == followersURI {
			continue
		}
		if rcpt == PublicCollection && expandPublic {
			err, edges := e.DB.ReadFollows(acc.Id, domain.FollowerEdge)
			if err == nil && edges != nil {
				for _, edge := range *edges {
					set[edge.ActorURI] = true
				}
			}
			continue
		}
		set[rcpt] = true
	}

	out := make([]string, 0, len(set))
	for rcpt := range set {
		out = append(out, rcpt)
	}
	return out
}

// DispatchMessage expands a message's recipients into delivery targets and
// enqueues one output item per unique inbox. Shared inboxes advertised by
// recipients are preferred; public messages additionally fan out to every
// shared inbox seen so far.
func (e *Engine) DispatchMessage(acc *domain.Account, msg map[string]any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Outbox: failed to marshal message: %v", err)
		return
	}

	me := e.ActorURI(acc.Username)
	scheduled := make(map[string]bool)

	for _, rcpt := range e.RecipientList(acc, msg, true) {
		if rcpt == PublicCollection || rcpt == me {
			continue
		}
		if e.LocalUsername(rcpt) != "" {
			// local recipients read straight from the shared store
			continue
		}

		status, actor := e.ResolveActor(acc, rcpt)
		if !validStatus(status) || actor == nil {
			log.Printf("Outbox: cannot resolve recipient %s (%d), skipping", rcpt, status)
			continue
		}

		inbox := actor.InboxURI
		if actor.SharedInboxURI != "" {
			inbox = actor.SharedInboxURI
		}
		if scheduled[inbox] {
			continue
		}
		scheduled[inbox] = true
		e.enqueueOutputPayload(acc, inbox, payload)
	}

	if IsPublic(msg) {
		err, shared := e.DB.ReadSharedInboxes()
		if err == nil && shared != nil {
			for _, inbox := range *shared {
				if scheduled[inbox] {
					continue
				}
				scheduled[inbox] = true
				e.enqueueOutputPayload(acc, inbox, payload)
			}
		}
	}

	log.Printf("Outbox: dispatched %s from %s to %d inboxes",
		getString(msg, "type"), acc.Username, len(scheduled))
}

// EnqueueMessage defers a message's fan-out to queue-drain time, so the
// follower list in effect then is the one used
func (e *Engine) EnqueueMessage(acc *domain.Account, msg map[string]any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Outbox: failed to marshal message: %v", err)
		return
	}
	item := &domain.QueueItem{
		Kind:      domain.QueueMessage,
		AccountId: acc.Id,
		Payload:   string(payload),
	}
	if err := e.DB.Enqueue(item); err != nil {
		log.Printf("Outbox: failed to enqueue message: %v", err)
	}
}

// PostMessage tries one synchronous delivery to a single actor and falls
// back to the queue when it fails. Used for protocol replies like Pong.
func (e *Engine) PostMessage(acc *domain.Account, rcptActorURI string, msg map[string]any) {
	status, actor := e.ResolveActor(acc, rcptActorURI)
	if !validStatus(status) || actor == nil {
		log.Printf("Outbox: cannot resolve %s (%d) for direct send", rcptActorURI, status)
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	sendStatus, _ := e.post(actor.InboxURI, payload, acc, 6*time.Second)
	if validStatus(sendStatus) {
		log.Printf("Outbox: sent %s directly to %s (%d)", getString(msg, "type"), actor.InboxURI, sendStatus)
		return
	}

	log.Printf("Outbox: direct send of %s to %s failed (%d), queueing",
		getString(msg, "type"), actor.InboxURI, sendStatus)
	e.enqueueOutputPayload(acc, actor.InboxURI, payload)
}

func (e *Engine) enqueueOutput(acc *domain.Account, inboxURI string, msg map[string]any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Outbox: failed to marshal message: %v", err)
		return
	}
	e.enqueueOutputPayload(acc, inboxURI, payload)
}

func (e *Engine) enqueueOutputPayload(acc *domain.Account, inboxURI string, payload []byte) {
	item := &domain.QueueItem{
		Kind:      domain.QueueOutput,
		AccountId: acc.Id,
		InboxURI:  inboxURI,
		KeyId:     e.KeyId(acc.Username),
		Payload:   string(payload),
	}
	if err := e.DB.Enqueue(item); err != nil {
		log.Printf("Outbox: failed to enqueue delivery to %s: %v", inboxURI, err)
	}
}

// PublishNote stores an authored note and schedules its fan-out. Returns
// the note's canonical id.
func (e *Engine) PublishNote(acc *domain.Account, content, inReplyTo string) (string, error) {
	note := e.MsgNote(acc, content, inReplyTo,
		[]string{PublicCollection}, []string{e.FollowersURI(acc)})

	if _, err := e.storeActivityObject(acc, note, "Note"); err != nil {
		return "", err
	}

	e.EnqueueMessage(acc, e.MsgCreate(acc, note))
	return getString(note, "id"), nil
}

// PublishQuestion stores an authored poll, schedules its fan-out and its
// close at the poll's end time
func (e *Engine) PublishQuestion(acc *domain.Account, content string, options []string, multiple bool, closesIn time.Duration) (string, error) {
	q := e.MsgQuestion(acc, content, options, multiple, closesIn)

	if _, err := e.storeActivityObject(acc, q, "Question"); err != nil {
		return "", err
	}

	e.EnqueueMessage(acc, e.MsgCreate(acc, q))

	closeItem := &domain.QueueItem{
		Kind:      domain.QueueCloseQuestion,
		AccountId: acc.Id,
		Payload:   getString(q, "id"),
		NextTryAt: time.Now().Add(closesIn).UTC(),
	}
	if err := e.DB.Enqueue(closeItem); err != nil {
		log.Printf("Outbox: failed to schedule poll close for %s: %v", getString(q, "id"), err)
	}

	return getString(q, "id"), nil
}

// SendFollow records a pending following edge and delivers the Follow
func (e *Engine) SendFollow(acc *domain.Account, actorURI string) error {
	status, actor := e.ResolveActor(acc, actorURI)
	if !validStatus(status) || actor == nil {
		return fmt.Errorf("cannot resolve actor %s (status %d)", actorURI, status)
	}

	msg := e.MsgFollow(acc, actor.ActorURI)
	raw, _ := json.Marshal(msg)

	edge := &domain.FollowEdge{
		Id:        uuid.New(),
		AccountId: acc.Id,
		ActorURI:  actor.ActorURI,
		Direction: domain.FollowingEdge,
		URI:       getString(msg, "id"),
		Accepted:  false,
		RawJSON:   string(raw),
		CreatedAt: time.Now().UTC(),
	}
	if err := e.DB.AddFollow(edge); err != nil {
		return fmt.Errorf("failed to store following edge: %w", err)
	}

	e.enqueueOutput(acc, actor.InboxURI, msg)
	return nil
}

// SendUnfollow undoes a previously sent Follow
func (e *Engine) SendUnfollow(acc *domain.Account, actorURI string) error {
	err, edge := e.DB.ReadFollow(acc.Id, actorURI, domain.FollowingEdge)
	if err != nil || edge == nil {
		return fmt.Errorf("not following %s", actorURI)
	}

	var follow map[string]any
	if err := json.Unmarshal([]byte(edge.RawJSON), &follow); err != nil {
		follow = map[string]any{"id": edge.URI, "type": "Follow", "actor": e.ActorURI(acc.Username), "object": actorURI}
	}

	undo := e.MsgUndo(acc, follow)
	undo["to"] = []string{actorURI}

	if _, err := e.DB.DeleteFollow(acc.Id, actorURI, domain.FollowingEdge); err != nil {
		return err
	}

	status, actor := e.ResolveActor(acc, actorURI)
	if validStatus(status) && actor != nil {
		e.enqueueOutput(acc, actor.InboxURI, undo)
	}
	return nil
}
