package activitypub

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

var errMissingActorFields = errors.New("actor document missing required fields")

// Cached actor documents are refreshed opportunistically after this age
const actorStaleAfter = 24 * time.Hour

// ActorDoc is the JSON structure of an ActivityPub actor document
type ActorDoc struct {
	Context           interface{} `json:"@context"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Summary           string      `json:"summary"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	Icon struct {
		Type      string `json:"type"`
		MediaType string `json:"mediaType"`
		URL       string `json:"url"`
	} `json:"icon"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// permanentActorFailure reports statuses after which refetching an actor
// is pointless: gone, never-existed, or a connection-layer fault
func permanentActorFailure(status int) bool {
	return status == http.StatusNotFound || status == http.StatusGone || status < 0
}

// ResolveActor returns the actor behind a canonical id, from the cache when
// fresh, refreshed over the wire otherwise. A stale cached copy is served
// as-is when the refresh fails; a never-seen actor propagates the fetch
// status to the caller.
func (e *Engine) ResolveActor(acc *domain.Account, actorURI string) (int, *domain.RemoteActor) {
	err, cached := e.DB.ReadRemoteActorByURI(actorURI)
	if err == nil && cached != nil {
		if time.Since(cached.LastFetchedAt) < actorStaleAfter {
			return http.StatusOK, cached
		}
	}

	status, fetched := e.fetchActor(acc, actorURI)
	if fetched != nil {
		return status, fetched
	}

	if cached != nil {
		log.Printf("Actors: refresh of %s failed (%d), serving stale copy", actorURI, status)
		return http.StatusOK, cached
	}

	return status, nil
}

// fetchActor pulls an actor document over the wire and writes it into the
// cache. Exposed shared inboxes are collected for public fan-out unless
// disabled by configuration.
func (e *Engine) fetchActor(acc *domain.Account, actorURI string) (int, *domain.RemoteActor) {
	status, body := e.Fetch(acc, actorURI)
	if !validStatus(status) {
		return status, nil
	}

	var doc ActorDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		log.Printf("Actors: failed to parse actor %s: %v", actorURI, err)
		return http.StatusInternalServerError, nil
	}

	if doc.ID == "" || doc.Inbox == "" || doc.PublicKey.PublicKeyPem == "" {
		log.Printf("Actors: actor %s missing required fields", actorURI)
		return http.StatusBadRequest, nil
	}

	domainName, err := extractDomain(doc.ID)
	if err != nil {
		return http.StatusBadRequest, nil
	}

	actor := &domain.RemoteActor{
		Id:             uuid.New(),
		Username:       doc.PreferredUsername,
		Domain:         domainName,
		ActorURI:       doc.ID,
		DisplayName:    doc.Name,
		Summary:        doc.Summary,
		InboxURI:       doc.Inbox,
		OutboxURI:      doc.Outbox,
		SharedInboxURI: doc.Endpoints.SharedInbox,
		PublicKeyPem:   doc.PublicKey.PublicKeyPem,
		AvatarURL:      doc.Icon.URL,
		LastFetchedAt:  time.Now().UTC(),
	}

	if err := e.DB.UpsertRemoteActor(actor); err != nil {
		log.Printf("Actors: failed to cache actor %s: %v", doc.ID, err)
	}

	if actor.SharedInboxURI != "" && !e.Conf.Conf.DisableInboxCollection {
		if err := e.DB.AddSharedInbox(actor.SharedInboxURI); err != nil {
			log.Printf("Actors: failed to record shared inbox %s: %v", actor.SharedInboxURI, err)
		}
	}

	return status, actor
}

// storeActorDoc caches an actor document delivered inline, as in an
// Update+Person activity, without another round trip
func (e *Engine) storeActorDoc(raw map[string]any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}

	var doc ActorDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc.ID == "" || doc.Inbox == "" || doc.PublicKey.PublicKeyPem == "" {
		return errMissingActorFields
	}

	domainName, err := extractDomain(doc.ID)
	if err != nil {
		return err
	}

	return e.DB.UpsertRemoteActor(&domain.RemoteActor{
		Id:             uuid.New(),
		Username:       doc.PreferredUsername,
		Domain:         domainName,
		ActorURI:       doc.ID,
		DisplayName:    doc.Name,
		Summary:        doc.Summary,
		InboxURI:       doc.Inbox,
		OutboxURI:      doc.Outbox,
		SharedInboxURI: doc.Endpoints.SharedInbox,
		PublicKeyPem:   doc.PublicKey.PublicKeyPem,
		AvatarURL:      doc.Icon.URL,
		LastFetchedAt:  time.Now().UTC(),
	})
}

// extractUsername extracts a username from the common actor URI shapes:
// "https://example.com/users/alice" or "https://example.com/@alice"
func extractUsername(uri string) string {
	parts := strings.Split(uri, "/")
	if len(parts) > 0 {
		username := parts[len(parts)-1]
		return strings.TrimPrefix(username, "@")
	}
	return ""
}
