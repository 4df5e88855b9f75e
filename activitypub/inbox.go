package activitypub

import (
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/google/uuid"
)

// ProcessResult is the disposition of one incoming activity. It is not a
// Go error: fatal and handled are both final, they just mean different
// things to the queue.
type ProcessResult int

const (
	// ResultFatal: never retried (malformed, unverifiable, gone actor)
	ResultFatal ProcessResult = iota
	// ResultRetryable: requeue with an incremented counter
	ResultRetryable
	// ResultHandled: done, whether or not state changed
	ResultHandled
	// ResultPropagate: instance-wide input, redistribute per local user
	ResultPropagate
)

func (r ProcessResult) String() string {
	switch r {
	case ResultFatal:
		return "fatal"
	case ResultRetryable:
		return "retryable"
	case ResultHandled:
		return "handled"
	case ResultPropagate:
		return "propagate"
	}
	return "unknown"
}

type inboxContext struct {
	acc     *domain.Account
	actor   *domain.RemoteActor
	msg     map[string]any
	typ     string
	objType string
	body    []byte
}

type inboxHandler func(e *Engine, in *inboxContext) ProcessResult

// inboxDispatch maps (type, nested object type) to a handler. Entries are
// ordered and the first match wins; "*" matches any nested type, ""
// matches only a missing one.
var inboxDispatch = []struct {
	Type       string
	ObjectType string
	Handle     inboxHandler
}{
	{"Follow", "*", handleFollow},
	{"Undo", "Follow", handleUndoFollow},
	{"Undo", "Like", handleUndoAdmiration},
	{"Undo", "Announce", handleUndoAdmiration},
	{"Undo", "*", handleUndoOther},
	{"Create", "Note", handleCreateNote},
	{"Create", "Page", handleCreateNote},
	{"Create", "Article", handleCreateNote},
	{"Create", "Question", handleCreateQuestion},
	{"Accept", "", handleAcceptBare},
	{"Accept", "Follow", handleAcceptFollow},
	{"Accept", "Create", handleAcceptCreate},
	{"Accept", "*", handleAcceptOther},
	{"Like", "*", handleLike},
	{"Announce", "*", handleAnnounce},
	{"Update", "Person", handleUpdateActor},
	{"Update", "Service", handleUpdateActor},
	{"Update", "Note", handleUpdatePost},
	{"Update", "Page", handleUpdatePost},
	{"Update", "Article", handleUpdatePost},
	{"Update", "Question", handleUpdateQuestion},
	{"Delete", "*", handleDelete},
	{"Ping", "*", handlePing},
	{"Pong", "*", handlePong},
}

// ProcessInput runs one incoming activity through the full pipeline:
// sanity checks, actor resolution, signature verification, addressing,
// then type dispatch. acc == nil means shared-inbox mode, which stops
// after verification and asks the queue to redistribute. meta == nil
// skips signature verification and is only valid for internally
// generated reprocessing.
func (e *Engine) ProcessInput(acc *domain.Account, msg map[string]any, meta *RequestMeta, body []byte) ProcessResult {
	actorURI := getString(msg, "actor")
	if actorURI == "" {
		if m, ok := msg["actor"].(map[string]any); ok {
			actorURI = getString(m, "id")
		}
	}
	if actorURI == "" {
		log.Printf("Inbox: dropping activity without actor")
		return ResultFatal
	}

	typ := getString(msg, "type")
	if typ == "Add" {
		log.Printf("Inbox: dropping Add from %s", actorURI)
		return ResultFatal
	}
	if typ == "" {
		// bare poll-vote payloads omit the type
		typ = "Note"
	}
	if typ == "Note" {
		// a bare object is processed as if its author had wrapped it
		msg = map[string]any{
			"id":     getString(msg, "id"),
			"type":   "Create",
			"actor":  actorURI,
			"object": msg,
		}
		typ = "Create"
	}

	if typ == "Delete" {
		// deletes from actors we have never seen cannot mean anything
		if err, cached := e.DB.ReadRemoteActorByURI(actorURI); err != nil || cached == nil {
			log.Printf("Inbox: dropping Delete from unknown actor %s", actorURI)
			return ResultFatal
		}
	}

	status, actor := e.ResolveActor(acc, actorURI)
	if !validStatus(status) {
		if typ == "Delete" || permanentActorFailure(status) {
			log.Printf("Inbox: actor %s unresolvable (%d), dropping %s", actorURI, status, typ)
			return ResultFatal
		}
		log.Printf("Inbox: actor %s unreachable (%d), will retry %s", actorURI, status, typ)
		return ResultRetryable
	}

	if meta != nil {
		if _, err := VerifyStoredRequest(meta, body, actor.PublicKeyPem); err != nil {
			log.Printf("Inbox: signature verification failed for %s from %s: %v; payload: %s",
				typ, actorURI, err, truncateForLog(body))
			return ResultFatal
		}
	}

	if acc == nil {
		return ResultPropagate
	}

	if !e.forUser(acc, msg) {
		log.Printf("Inbox: %s from %s not for %s", typ, actorURI, acc.Username)
		return ResultHandled
	}

	objType := objectType(msg)

	if acc.DropDMFromUnknown && typ == "Create" && objType == "Note" &&
		!IsPublic(msg) && !e.follows(acc, actorURI, domain.FollowingEdge) {
		log.Printf("Inbox: dropping DM for %s from unfollowed actor %s", acc.Username, actorURI)
		return ResultHandled
	}

	in := &inboxContext{acc: acc, actor: actor, msg: msg, typ: typ, objType: objType, body: body}

	for _, entry := range inboxDispatch {
		if entry.Type != typ {
			continue
		}
		if entry.ObjectType == "*" || entry.ObjectType == objType {
			return entry.Handle(e, in)
		}
	}

	log.Printf("Inbox: ignoring unsupported %s (object %s) from %s", typ, objType, actorURI)
	return ResultHandled
}

// forUser decides whether an activity is addressed to this account.
// Like/Announce get a stricter check than everything else: they must
// target one of the account's own objects or come from a followed actor.
// Create/Update walk the nested object's recipient lists; all other types
// pass unconditionally.
func (e *Engine) forUser(acc *domain.Account, msg map[string]any) bool {
	typ := getString(msg, "type")
	actorURI := getString(msg, "actor")
	me := e.ActorURI(acc.Username)

	if typ == "Like" || typ == "Announce" {
		if e.ownsObject(acc, objectID(msg)) {
			return true
		}
		return e.follows(acc, actorURI, domain.FollowingEdge)
	}

	if typ != "Create" && typ != "Update" {
		return true
	}

	obj := objectMap(msg)
	rcptSource := msg
	if obj != nil {
		rcptSource = obj
	}
	rcpts := recipientsOf(rcptSource)

	// addressed to us directly
	for _, rcpt := range rcpts {
		if rcpt == me {
			return true
		}
	}
	// cc'd to an actor we follow
	for _, rcpt := range rcpts {
		if rcpt != PublicCollection && e.follows(acc, rcpt, domain.FollowingEdge) {
			return true
		}
	}
	// authored by an actor we follow
	attr := actorURI
	if obj != nil {
		if a := getString(obj, "attributedTo"); a != "" {
			attr = a
		}
	}
	if e.follows(acc, attr, domain.FollowingEdge) {
		return true
	}
	// a reply to a post authored by an actor we follow
	if obj != nil {
		if irt := getString(obj, "inReplyTo"); irt != "" {
			if err, parent := e.DB.ReadObjectByURI(irt); err == nil && parent != nil {
				if e.follows(acc, parent.AttributedTo, domain.FollowingEdge) {
					return true
				}
			}
		}
	}
	return false
}

// ownsObject reports whether a canonical id names one of the account's
// own objects
func (e *Engine) ownsObject(acc *domain.Account, uri string) bool {
	if uri == "" {
		return false
	}
	me := e.ActorURI(acc.Username)
	if err, obj := e.DB.ReadObjectByURI(uri); err == nil && obj != nil {
		return obj.AttributedTo == me
	}
	return strings.HasPrefix(uri, me)
}

// storeActivityObject persists an activity under its own id and links it
// into the account's timeline. Returns whether the timeline link is new.
func (e *Engine) storeActivityObject(acc *domain.Account, msg map[string]any, objType string) (bool, error) {
	id := getString(msg, "id")
	if id == "" {
		id = e.MintID()
		msg["id"] = id
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return false, err
	}

	exists, _ := e.DB.ObjectExists(id)
	if !exists {
		obj := &domain.Object{
			Id:           uuid.New(),
			URI:          id,
			Fingerprint:  string(util.FingerprintOf(id)),
			ObjectType:   objType,
			AttributedTo: getString(msg, "attributedTo"),
			InReplyTo:    getString(msg, "inReplyTo"),
			RawJSON:      string(raw),
			CreatedAt:    time.Now().UTC(),
			UpdatedAt:    time.Now().UTC(),
		}
		if obj.AttributedTo == "" {
			obj.AttributedTo = getString(msg, "actor")
		}
		if err := e.DB.CreateObject(obj); err != nil {
			return false, err
		}
	}
	return e.DB.AddToTimeline(acc.Id, id, string(util.FingerprintOf(id)))
}

func handleFollow(e *Engine, in *inboxContext) ProcessResult {
	me := e.ActorURI(in.acc.Username)
	target := objectID(in.msg)
	if target != me {
		log.Printf("Inbox: Follow from %s targets %s, not %s", in.actor.ActorURI, target, in.acc.Username)
		return ResultHandled
	}

	if err, edge := e.DB.ReadFollow(in.acc.Id, in.actor.ActorURI, domain.FollowerEdge); err == nil && edge != nil {
		log.Printf("Inbox: %s@%s already follows %s", in.actor.Username, in.actor.Domain, in.acc.Username)
		return ResultHandled
	}

	if getString(in.msg, "published") == "" {
		in.msg["published"] = util.IsoDate(time.Now())
	}

	if _, err := e.storeActivityObject(in.acc, in.msg, "Follow"); err != nil {
		log.Printf("Inbox: failed to store Follow: %v", err)
	}

	raw, _ := json.Marshal(in.msg)
	edge := &domain.FollowEdge{
		Id:        uuid.New(),
		AccountId: in.acc.Id,
		ActorURI:  in.actor.ActorURI,
		Direction: domain.FollowerEdge,
		URI:       getString(in.msg, "id"),
		Accepted:  true,
		RawJSON:   string(raw),
		CreatedAt: time.Now().UTC(),
	}
	if err := e.DB.AddFollow(edge); err != nil {
		log.Printf("Inbox: failed to store follower edge: %v", err)
		return ResultRetryable
	}

	accept := e.MsgAccept(in.acc, in.msg)
	e.enqueueOutput(in.acc, in.actor.InboxURI, accept)

	e.notify(in.acc, "Follow", "", in.actor.ActorURI, me)
	log.Printf("Inbox: accepted follow from %s@%s", in.actor.Username, in.actor.Domain)
	return ResultHandled
}

func handleUndoFollow(e *Engine, in *inboxContext) ProcessResult {
	removed, err := e.DB.DeleteFollow(in.acc.Id, in.actor.ActorURI, domain.FollowerEdge)
	if err != nil {
		log.Printf("Inbox: failed to remove follower edge: %v", err)
		return ResultRetryable
	}
	if removed {
		e.notify(in.acc, "Undo", "Follow", in.actor.ActorURI, "")
		log.Printf("Inbox: removed follow from %s@%s", in.actor.Username, in.actor.Domain)
	} else {
		log.Printf("Inbox: Undo Follow from %s without a follower edge", in.actor.ActorURI)
	}
	return ResultHandled
}

// handleUndoAdmiration retracts a previously delivered Like or Announce.
// The admired object sits one level down, inside the undone activity.
func handleUndoAdmiration(e *Engine, in *inboxContext) ProcessResult {
	obj := objectMap(in.msg)
	if obj == nil {
		log.Printf("Inbox: Undo %s from %s without embedded activity", in.objType, in.actor.ActorURI)
		return ResultHandled
	}
	target := objectID(obj)
	if target == "" {
		return ResultHandled
	}

	kind := domain.AdmireLike
	if in.objType == "Announce" {
		kind = domain.AdmireBoost
	}

	removed, err := e.DB.RemoveAdmiration(target, in.actor.ActorURI, kind)
	if err != nil {
		log.Printf("Inbox: failed to retract %s on %s: %v", in.objType, target, err)
		return ResultRetryable
	}
	if removed {
		log.Printf("Inbox: retracted %s on %s by %s", in.objType, target, in.actor.ActorURI)
	} else {
		log.Printf("Inbox: Undo %s from %s matched nothing", in.objType, in.actor.ActorURI)
	}
	return ResultHandled
}

func handleUndoOther(e *Engine, in *inboxContext) ProcessResult {
	log.Printf("Inbox: ignoring Undo %s from %s", in.objType, in.actor.ActorURI)
	return ResultHandled
}

func handleCreateNote(e *Engine, in *inboxContext) ProcessResult {
	obj := objectMap(in.msg)
	if obj == nil {
		log.Printf("Inbox: Create from %s without embedded object", in.actor.ActorURI)
		return ResultHandled
	}

	irt := getString(obj, "inReplyTo")
	if irt != "" {
		if hidden, _ := e.DB.IsHidden(in.acc.Id, irt); hidden {
			log.Printf("Inbox: dropping reply to hidden post %s", irt)
			return ResultHandled
		}
		// make sure the ancestry is in place before the reply lands
		e.EnsureInTimeline(in.acc, irt)
	}

	added, err := e.storeActivityObject(in.acc, obj, in.objType)
	if err != nil {
		log.Printf("Inbox: failed to store %s from %s: %v", in.objType, in.actor.ActorURI, err)
		return ResultRetryable
	}

	name := getString(obj, "name")
	if added && name == "" && e.directlyAddressed(in.acc, obj) {
		e.notify(in.acc, "Create", in.objType, in.actor.ActorURI, getString(obj, "id"))
	}

	// a named reply is a poll vote
	if name != "" && irt != "" {
		e.UpdateQuestion(in.acc, irt)
	}

	return ResultHandled
}

// directlyAddressed reports whether the account appears in the object's
// own recipient lists
func (e *Engine) directlyAddressed(acc *domain.Account, obj map[string]any) bool {
	me := e.ActorURI(acc.Username)
	for _, rcpt := range recipientsOf(obj) {
		if rcpt == me {
			return true
		}
	}
	return false
}

func handleCreateQuestion(e *Engine, in *inboxContext) ProcessResult {
	obj := objectMap(in.msg)
	if obj == nil {
		return ResultHandled
	}

	id := getString(obj, "id")
	if exists, _ := e.DB.ObjectExists(id); exists {
		log.Printf("Inbox: Question %s already known", id)
		return ResultHandled
	}

	if _, err := e.storeActivityObject(in.acc, obj, "Question"); err != nil {
		log.Printf("Inbox: failed to store Question %s: %v", id, err)
		return ResultRetryable
	}
	return ResultHandled
}

func handleAcceptBare(e *Engine, in *inboxContext) ProcessResult {
	// some servers send Accepts whose object is a bare id; if the id is
	// one we could have minted for a Follow, treat it as Accept+Follow
	objID := objectID(in.msg)
	if strings.HasPrefix(objID, e.Conf.BaseURL()) && strings.HasSuffix(objID, "/Follow") {
		return handleAcceptFollow(e, in)
	}
	return handleAcceptOther(e, in)
}

func handleAcceptFollow(e *Engine, in *inboxContext) ProcessResult {
	followID := objectID(in.msg)
	matched, err := e.DB.MarkFollowAccepted(in.acc.Id, followID)
	if err != nil {
		log.Printf("Inbox: failed to confirm follow %s: %v", followID, err)
		return ResultRetryable
	}
	if matched {
		e.notify(in.acc, "Accept", "Follow", in.actor.ActorURI, followID)
		log.Printf("Inbox: follow %s accepted by %s", followID, in.actor.ActorURI)
	} else {
		log.Printf("Inbox: spurious Accept for %s from %s", followID, in.actor.ActorURI)
	}
	return ResultHandled
}

func handleAcceptCreate(e *Engine, in *inboxContext) ProcessResult {
	// interoperability noise from some servers
	return ResultHandled
}

func handleAcceptOther(e *Engine, in *inboxContext) ProcessResult {
	log.Printf("Inbox: unexpected Accept %s from %s; payload: %s",
		in.objType, in.actor.ActorURI, truncateForLog(in.body))
	return ResultHandled
}

func handleLike(e *Engine, in *inboxContext) ProcessResult {
	target := objectID(in.msg)
	if target == "" {
		log.Printf("Inbox: Like from %s without target", in.actor.ActorURI)
		return ResultHandled
	}

	added, err := e.DB.AddAdmiration(&domain.Admiration{
		Id:        uuid.New(),
		AccountId: in.acc.Id,
		ObjectURI: target,
		ActorURI:  in.actor.ActorURI,
		Kind:      domain.AdmireLike,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("Inbox: failed to store like: %v", err)
		return ResultRetryable
	}
	if added {
		// only admirations of the account's own posts are worth a notification
		if e.ownsObject(in.acc, target) {
			e.notify(in.acc, "Like", "", in.actor.ActorURI, target)
		}
	} else {
		log.Printf("Inbox: duplicate Like on %s by %s", target, in.actor.ActorURI)
	}
	return ResultHandled
}

func handleAnnounce(e *Engine, in *inboxContext) ProcessResult {
	target := objectID(in.msg)
	if target == "" {
		log.Printf("Inbox: Announce from %s without target", in.actor.ActorURI)
		return ResultHandled
	}

	_, canonical := e.EnsureInTimeline(in.acc, target)

	me := e.ActorURI(in.acc.Username)
	author := ""
	if err, obj := e.DB.ReadObjectByURI(canonical); err == nil && obj != nil {
		author = obj.AttributedTo
	}

	if limited, _ := e.DB.IsLimited(in.acc.Id, in.actor.ActorURI); limited && author != me {
		log.Printf("Inbox: ignoring boost by limited actor %s", in.actor.ActorURI)
		return ResultHandled
	}
	if author != "" {
		if muted, _ := e.DB.IsMuted(in.acc.Id, author); muted {
			log.Printf("Inbox: ignoring boost of muted author %s", author)
			return ResultHandled
		}
	}

	added, err := e.DB.AddAdmiration(&domain.Admiration{
		Id:        uuid.New(),
		AccountId: in.acc.Id,
		ObjectURI: canonical,
		ActorURI:  in.actor.ActorURI,
		Kind:      domain.AdmireBoost,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("Inbox: failed to store boost: %v", err)
		return ResultRetryable
	}
	if added {
		if author == me {
			e.notify(in.acc, "Announce", "", in.actor.ActorURI, canonical)
		}
	} else {
		log.Printf("Inbox: duplicate Announce on %s by %s", canonical, in.actor.ActorURI)
	}
	return ResultHandled
}

func handleUpdateActor(e *Engine, in *inboxContext) ProcessResult {
	if obj := objectMap(in.msg); obj != nil {
		if err := e.storeActorDoc(obj); err == nil {
			log.Printf("Inbox: updated profile of %s", in.actor.ActorURI)
			return ResultHandled
		}
	}
	// no usable embedded document, refetch
	e.DB.DeleteRemoteActor(in.actor.ActorURI)
	if status, _ := e.ResolveActor(in.acc, in.actor.ActorURI); !validStatus(status) {
		log.Printf("Inbox: profile refresh for %s failed (%d)", in.actor.ActorURI, status)
	}
	return ResultHandled
}

func handleUpdatePost(e *Engine, in *inboxContext) ProcessResult {
	obj := objectMap(in.msg)
	if obj == nil {
		return ResultHandled
	}
	id := getString(obj, "id")

	exists, _ := e.DB.ObjectExists(id)
	if !exists {
		log.Printf("Inbox: dropped update for unknown post %s", id)
		return ResultHandled
	}

	if err := e.overwriteObject(obj, in.objType); err != nil {
		log.Printf("Inbox: failed to update %s: %v", id, err)
		return ResultRetryable
	}
	e.DB.TouchTimeline(in.acc.Id)
	log.Printf("Inbox: updated %s %s", in.objType, id)
	return ResultHandled
}

func handleUpdateQuestion(e *Engine, in *inboxContext) ProcessResult {
	obj := objectMap(in.msg)
	if obj == nil {
		return ResultHandled
	}
	id := getString(obj, "id")

	// poll state changes are always taken, known or not
	if err := e.overwriteObject(obj, "Question"); err != nil {
		log.Printf("Inbox: failed to update Question %s: %v", id, err)
		return ResultRetryable
	}
	e.DB.AddToTimeline(in.acc.Id, id, string(util.FingerprintOf(id)))

	if obj["closed"] != nil && e.questionConcernsUs(in.acc, id) {
		e.notify(in.acc, "Update", "Question", in.actor.ActorURI, id)
	}
	return ResultHandled
}

// overwriteObject replaces the stored version of an object in place
func (e *Engine) overwriteObject(obj map[string]any, objType string) error {
	id := getString(obj, "id")
	raw, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return e.DB.UpsertObject(&domain.Object{
		Id:           uuid.New(),
		URI:          id,
		Fingerprint:  string(util.FingerprintOf(id)),
		ObjectType:   objType,
		AttributedTo: getString(obj, "attributedTo"),
		InReplyTo:    getString(obj, "inReplyTo"),
		RawJSON:      string(raw),
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	})
}

func handleDelete(e *Engine, in *inboxContext) ProcessResult {
	objID := objectID(in.msg)
	if objID == "" {
		log.Printf("Inbox: Delete from %s without target", in.actor.ActorURI)
		return ResultHandled
	}

	if objID == in.actor.ActorURI {
		// the actor deleted their account
		e.DB.DeleteFollow(in.acc.Id, in.actor.ActorURI, domain.FollowerEdge)
		e.DB.DeleteFollow(in.acc.Id, in.actor.ActorURI, domain.FollowingEdge)
		e.DB.DeleteRemoteActor(in.actor.ActorURI)
		log.Printf("Inbox: actor %s deleted their account", objID)
		return ResultHandled
	}

	removed, _ := e.DB.RemoveFromTimeline(in.acc.Id, objID)
	if removed {
		e.DB.TouchTimeline(in.acc.Id)
		log.Printf("Inbox: deleted %s from %s's timeline", objID, in.acc.Username)
	} else {
		log.Printf("Inbox: Delete for unknown object %s, ignoring", objID)
	}
	return ResultHandled
}

func handlePing(e *Engine, in *inboxContext) ProcessResult {
	log.Printf("Inbox: Ping from %s", in.actor.ActorURI)
	pong := e.MsgPong(in.acc, in.actor.ActorURI, getString(in.msg, "id"))
	e.PostMessage(in.acc, in.actor.ActorURI, pong)
	return ResultHandled
}

func handlePong(e *Engine, in *inboxContext) ProcessResult {
	log.Printf("Inbox: Pong from %s", in.actor.ActorURI)
	return ResultHandled
}
