package activitypub

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

// Mailer delivers notification emails. The mechanics live outside the
// federation core.
type Mailer interface {
	Send(to, subject, body string) error
}

// ChatNotifier posts notification messages to a chat webhook
type ChatNotifier interface {
	Notify(webhookURL, text string) error
}

// Purger runs the object store's retention sweep
type Purger interface {
	Purge() error
}

type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type ChatPayload struct {
	WebhookURL string `json:"webhookUrl"`
	Text       string `json:"text"`
}

// notify records a notification event for the account, marks its timeline
// touched, and schedules the configured side channels
func (e *Engine) notify(acc *domain.Account, typ, objType, actorURI, objectURI string) {
	n := &domain.Notification{
		Id:         uuid.New(),
		AccountId:  acc.Id,
		Type:       typ,
		ObjectType: objType,
		ActorURI:   actorURI,
		ObjectURI:  objectURI,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.DB.CreateNotification(n); err != nil {
		log.Printf("Notify: failed to store notification for %s: %v", acc.Username, err)
	}

	e.DB.TouchTimeline(acc.Id)

	what := typ
	if objType != "" {
		what = fmt.Sprintf("%s (%s)", typ, objType)
	}
	text := fmt.Sprintf("%s by %s", what, actorURI)
	if objectURI != "" {
		text = fmt.Sprintf("%s on %s", text, objectURI)
	}

	if acc.Email != "" && !e.Conf.Conf.DisableEmail {
		payload, _ := json.Marshal(EmailPayload{
			To:      acc.Email,
			Subject: fmt.Sprintf("[%s] %s", acc.Username, what),
			Body:    text,
		})
		e.enqueueSideChannel(acc, domain.QueueEmail, payload)
	}

	if acc.ChatWebhookURL != "" {
		payload, _ := json.Marshal(ChatPayload{
			WebhookURL: acc.ChatWebhookURL,
			Text:       text,
		})
		e.enqueueSideChannel(acc, domain.QueueChatNotify, payload)
	}
}

func (e *Engine) enqueueSideChannel(acc *domain.Account, kind string, payload []byte) {
	item := &domain.QueueItem{
		Kind:      kind,
		AccountId: acc.Id,
		Payload:   string(payload),
	}
	if err := e.DB.Enqueue(item); err != nil {
		log.Printf("Notify: failed to enqueue %s for %s: %v", kind, acc.Username, err)
	}
}
