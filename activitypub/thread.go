package activitypub

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/google/uuid"
)

// maxThreadDepth bounds reply-ancestry walks so cyclic or adversarially
// long inReplyTo chains terminate
const maxThreadDepth = 256

type threadTask struct {
	id    string
	depth int
}

// EnsureInTimeline fetches an activity and its reply ancestry into the
// account's timeline, walking inReplyTo links with an explicit worklist up
// to maxThreadDepth. Create wrappers are unwrapped one level; only
// Note/Page/Article objects are persisted. The returned id is the
// canonical one from the fetched body, which may differ from the requested
// id and must be used for all further processing.
func (e *Engine) EnsureInTimeline(acc *domain.Account, activityID string) (int, string) {
	canonical := activityID
	work := []threadTask{{id: activityID, depth: 0}}

	for len(work) > 0 {
		task := work[len(work)-1]
		work = work[:len(work)-1]
		root := task.depth == 0

		if task.depth >= maxThreadDepth {
			log.Printf("Thread: depth limit reached at %s", task.id)
			continue
		}

		if exists, _ := e.DB.ObjectExists(task.id); exists {
			// ancestry was stored together with the object; just make
			// sure this account's timeline links it
			err, obj := e.DB.ReadObjectByURI(task.id)
			if err == nil && obj != nil {
				e.DB.AddToTimeline(acc.Id, obj.URI, obj.Fingerprint)
			}
			continue
		}

		status, msg := e.FetchMap(acc, task.id)
		if !validStatus(status) {
			if root {
				return status, canonical
			}
			log.Printf("Thread: ancestor fetch %s failed (%d)", task.id, status)
			continue
		}

		// some servers nest Announce+Create+Note; peel one Create layer
		if getString(msg, "type") == "Create" {
			if obj := objectMap(msg); obj != nil {
				msg = obj
			}
		}

		id := getString(msg, "id")
		if id == "" {
			id = task.id
		}
		if root {
			canonical = id
		}

		typ := getString(msg, "type")
		if typ != "Note" && typ != "Page" && typ != "Article" {
			log.Printf("Thread: ignoring %s object %s", typ, id)
			if root {
				return status, canonical
			}
			continue
		}

		raw, err := json.Marshal(msg)
		if err != nil {
			continue
		}

		obj := &domain.Object{
			Id:           uuid.New(),
			URI:          id,
			Fingerprint:  string(util.FingerprintOf(id)),
			ObjectType:   typ,
			AttributedTo: getString(msg, "attributedTo"),
			InReplyTo:    getString(msg, "inReplyTo"),
			RawJSON:      string(raw),
			CreatedAt:    time.Now().UTC(),
			UpdatedAt:    time.Now().UTC(),
		}

		if err := e.DB.CreateObject(obj); err != nil {
			log.Printf("Thread: failed to store %s: %v", id, err)
		}
		e.DB.AddToTimeline(acc.Id, obj.URI, obj.Fingerprint)

		// warm the author's profile while we are here
		if obj.AttributedTo != "" {
			e.ResolveActor(acc, obj.AttributedTo)
		}

		if obj.InReplyTo != "" {
			work = append(work, threadTask{id: obj.InReplyTo, depth: task.depth + 1})
		}
	}

	return http.StatusOK, canonical
}
