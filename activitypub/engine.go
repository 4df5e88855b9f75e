package activitypub

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/google/uuid"
)

const (
	ContextActivityStreams = "https://www.w3.org/ns/activitystreams"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"
)

// Engine is the federation core. Everything it needs comes in at
// construction; there are no package-level singletons.
type Engine struct {
	DB     *db.DB
	Conf   *util.AppConfig
	Client *http.Client

	// side-channel delivery, optional
	Mailer Mailer
	Chat   ChatNotifier
	Purger Purger
}

func NewEngine(database *db.DB, conf *util.AppConfig) *Engine {
	return &Engine{
		DB:   database,
		Conf: conf,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// ActorURI builds the canonical actor id of a local account
func (e *Engine) ActorURI(username string) string {
	return fmt.Sprintf("%s/users/%s", e.Conf.BaseURL(), username)
}

// KeyId names the signing key of a local account
func (e *Engine) KeyId(username string) string {
	return fmt.Sprintf("%s#main-key", e.ActorURI(username))
}

// MintID creates a fresh activity id under our base URL
func (e *Engine) MintID() string {
	return fmt.Sprintf("%s/activities/%s", e.Conf.BaseURL(), uuid.New().String())
}

// LocalUsername maps an actor URI of ours back to the username, or ""
// when the URI is not one of our actors.
func (e *Engine) LocalUsername(actorURI string) string {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return ""
	}
	if !e.Conf.IsLocalHost(parsed.Host) {
		return ""
	}
	if !strings.HasPrefix(parsed.Path, "/users/") {
		return ""
	}
	return strings.TrimPrefix(parsed.Path, "/users/")
}

// follows reports whether the account has an accepted follower or
// following edge with the given direction
func (e *Engine) follows(acc *domain.Account, actorURI string, direction string) bool {
	err, edge := e.DB.ReadFollow(acc.Id, actorURI, direction)
	return err == nil && edge != nil
}

// Activity map helpers. Activities are schemaless JSON objects; these
// tolerate the usual shape variations (string vs list, embedded vs ref).

func getString(msg map[string]any, key string) string {
	if v, ok := msg[key].(string); ok {
		return v
	}
	return ""
}

// getList normalizes a field that may be a single string or a list
func getList(msg map[string]any, key string) []string {
	switch v := msg[key].(type) {
	case string:
		return []string{v}
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else if m, ok := item.(map[string]any); ok {
				if id := getString(m, "id"); id != "" {
					out = append(out, id)
				}
			}
		}
		return out
	}
	return nil
}

// objectMap returns the embedded object of an activity, or nil when the
// object is only a reference
func objectMap(msg map[string]any) map[string]any {
	if m, ok := msg["object"].(map[string]any); ok {
		return m
	}
	return nil
}

// objectID returns the id of the activity's object, embedded or referenced
func objectID(msg map[string]any) string {
	switch obj := msg["object"].(type) {
	case string:
		return obj
	case map[string]any:
		return getString(obj, "id")
	}
	return ""
}

// objectType returns the type of the nested object, "" when absent
func objectType(msg map[string]any) string {
	if obj := objectMap(msg); obj != nil {
		return getString(obj, "type")
	}
	return ""
}

// recipientsOf unions the to and cc lists of a message
func recipientsOf(msg map[string]any) []string {
	var out []string
	out = append(out, getList(msg, "to")...)
	out = append(out, getList(msg, "cc")...)
	return out
}

// IsPublic reports whether the activity is addressed to the public
// collective
func IsPublic(msg map[string]any) bool {
	for _, r := range recipientsOf(msg) {
		if r == PublicCollection {
			return true
		}
	}
	return false
}

// extractDomain extracts the host from an actor URI
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}
	return parsed.Host, nil
}

// validStatus reports whether an HTTP status counts as success
func validStatus(status int) bool {
	return status >= 200 && status <= 299
}
