package domain

import (
	"github.com/google/uuid"
	"time"
)

// RemoteActor represents a cached federated profile
type RemoteActor struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	DisplayName    string
	Summary        string
	InboxURI       string
	OutboxURI      string
	SharedInboxURI string
	PublicKeyPem   string
	AvatarURL      string
	LastFetchedAt  time.Time
}

// Follow directions: a follower edge points at us, a following edge away
const (
	FollowerEdge  = "follower"
	FollowingEdge = "following"
)

// FollowEdge is a directed relationship between a local account and a
// remote actor, together with the Follow/Accept payload that created it
type FollowEdge struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	ActorURI  string
	Direction string // FollowerEdge or FollowingEdge
	URI       string // the Follow activity id
	Accepted  bool
	RawJSON   string
	CreatedAt time.Time
}

// Object is any persisted activity or embedded entity, addressable both by
// its canonical IRI and by the fingerprint of that IRI
type Object struct {
	Id           uuid.UUID
	URI          string
	Fingerprint  string
	ObjectType   string
	AttributedTo string
	InReplyTo    string
	RawJSON      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Admiration kinds
const (
	AdmireLike  = "like"
	AdmireBoost = "boost"
)

// Admiration records a Like or Announce by an actor against an object.
// An actor counts at most once per object per kind.
type Admiration struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	ObjectURI string
	ActorURI  string
	Kind      string // AdmireLike or AdmireBoost
	CreatedAt time.Time
}

// Queue item kinds
const (
	QueueMessage        = "message"         // fan-out root, expanded at drain time
	QueueOutput         = "output"          // single-target delivery
	QueueInput          = "input"           // incoming activity for one account
	QueueSharedInput    = "shared-input"    // incoming activity awaiting redistribution
	QueueCloseQuestion  = "close-question"  // scheduled poll close
	QueueRequestReplies = "request-replies" // fetch the replies collection of a post
	QueueEmail          = "email"
	QueueChatNotify     = "chat-notify"
	QueuePurge          = "purge"
)

// QueueItem is a unit of deferred work. AccountId is uuid.Nil for
// instance-wide items (shared input, purge).
type QueueItem struct {
	Id         uuid.UUID
	Kind       string
	AccountId  uuid.UUID
	InboxURI   string // output only
	KeyId      string // output only: signing key reference
	Payload    string // activity JSON, or kind-specific body
	ReqMeta    string // input kinds: original signed-request metadata JSON
	Retries    int
	LastStatus int
	NextTryAt  time.Time
	CreatedAt  time.Time
}

// Notification is an event the account owner wants to hear about
type Notification struct {
	Id         uuid.UUID
	AccountId  uuid.UUID
	Type       string // activity type (Follow, Like, ...)
	ObjectType string // nested object type, "" if none
	ActorURI   string
	ObjectURI  string
	CreatedAt  time.Time
}
