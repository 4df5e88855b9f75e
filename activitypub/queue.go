package activitypub

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/deemkeen/mammut/domain"
)

// Delivery timeouts: the short one is the default, the long one is used
// after the previous attempt on the same item timed out, so a slow but
// alive peer is not penalized with a deadline it can never meet.
const (
	outputTimeoutShort = 3 * time.Second
	outputTimeoutLong  = 20 * time.Second
)

// retryTerminal marks an outcome not worth retrying
const retryTerminal = -1

// backoffMinutes indexes the wait before the next attempt by retry count
var backoffMinutes = []int{1, 5, 15, 60, 240, 1440}

// isTimeoutStatus recognizes the statuses the transport reports for
// timed-out attempts
func isTimeoutStatus(status int) bool {
	return status == 499 || status == 599
}

// retryDelta maps one delivery attempt's outcome onto the retry counter:
// how many units the counter advances, or retryTerminal when another
// attempt is pointless. A timeout following a timeout costs double, so
// chronically unresponsive peers burn through the retry budget faster.
func retryDelta(prevStatus, newStatus int) int {
	switch newStatus {
	case 400, 404, 405, 410:
		return retryTerminal
	}
	if newStatus < 0 {
		return retryTerminal
	}
	if isTimeoutStatus(prevStatus) && isTimeoutStatus(newStatus) {
		return 2
	}
	return 1
}

// StartQueueWorker drains the queue on a ticker until the context is done
func (e *Engine) StartQueueWorker(ctx context.Context) {
	tick := time.Duration(e.Conf.Conf.QueueTickSecs) * time.Second
	log.Printf("Queue: worker started (tick %s)", tick)

	ticker := time.NewTicker(tick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Printf("Queue: worker stopped")
				return
			case <-ticker.C:
				e.DrainQueue()
			}
		}
	}()
}

// DrainQueue processes every currently due item once. Items are claimed
// exclusively before processing, so concurrent workers never double-run
// one.
func (e *Engine) DrainQueue() {
	err, items := e.DB.ReadDueQueueItems(time.Now().UTC(), 50)
	if err != nil {
		log.Printf("Queue: failed to read due items: %v", err)
		return
	}
	if items == nil || len(*items) == 0 {
		return
	}

	log.Printf("Queue: processing %d due items", len(*items))

	for i := range *items {
		item := &(*items)[i]
		claimed, err := e.DB.ClaimQueueItem(item.Id)
		if err != nil || !claimed {
			continue
		}
		e.processQueueItem(item)
	}
}

func (e *Engine) processQueueItem(item *domain.QueueItem) {
	switch item.Kind {
	case domain.QueueOutput:
		e.processOutput(item)
	case domain.QueueMessage:
		e.processMessage(item)
	case domain.QueueInput:
		e.processInputItem(item)
	case domain.QueueSharedInput:
		e.processSharedInput(item)
	case domain.QueueCloseQuestion:
		e.processCloseQuestion(item)
	case domain.QueueRequestReplies:
		// shipped disabled upstream too: stray children without an
		// inReplyTo pollute timelines
		log.Printf("Queue: ignoring request-replies for %s", item.Payload)
	case domain.QueueEmail:
		e.processEmail(item)
	case domain.QueueChatNotify:
		e.processChatNotify(item)
	case domain.QueuePurge:
		if e.Purger != nil {
			if err := e.Purger.Purge(); err != nil {
				log.Printf("Queue: purge failed: %v", err)
			}
		} else {
			log.Printf("Queue: no purger configured, dropping purge item")
		}
	default:
		log.Printf("Queue: dropping item of unknown kind %q", item.Kind)
	}
}

// processOutput attempts one single-target delivery
func (e *Engine) processOutput(item *domain.QueueItem) {
	if e.Conf.IsInstanceBlocked(item.InboxURI) {
		log.Printf("Queue: skipping delivery to blocked instance %s", item.InboxURI)
		return
	}

	err, acc := e.DB.ReadAccById(item.AccountId)
	if err != nil || acc == nil {
		log.Printf("Queue: dropping output for unknown account %s", item.AccountId)
		return
	}

	timeout := outputTimeoutShort
	if isTimeoutStatus(item.LastStatus) {
		timeout = outputTimeoutLong
	}

	status, respBody := e.post(item.InboxURI, []byte(item.Payload), acc, timeout)

	if validStatus(status) {
		log.Printf("Queue: delivered to %s (%d)", item.InboxURI, status)
		return
	}

	delta := retryDelta(item.LastStatus, status)
	if delta == retryTerminal {
		log.Printf("Queue: terminal failure delivering to %s (%d): %s",
			item.InboxURI, status, truncateForLog(respBody))
		return
	}

	retries := item.Retries + delta
	if retries > e.Conf.Conf.QueueRetryMax {
		log.Printf("Queue: giving up on %s after %d retries (last status %d)",
			item.InboxURI, item.Retries, status)
		return
	}

	wait := backoffMinutes[min(retries-1, len(backoffMinutes)-1)]
	item.Retries = retries
	item.LastStatus = status
	item.NextTryAt = time.Now().Add(time.Duration(wait) * time.Minute).UTC()

	log.Printf("Queue: delivery to %s failed (%d), retry %d in %dm: %s",
		item.InboxURI, status, retries, wait, truncateForLog(respBody))

	if err := e.DB.Enqueue(item); err != nil {
		log.Printf("Queue: failed to requeue delivery to %s: %v", item.InboxURI, err)
	}
}

// processMessage runs the fan-out of an authored message. Expansion
// happens here, at drain time, so the follower list used is current.
func (e *Engine) processMessage(item *domain.QueueItem) {
	err, acc := e.DB.ReadAccById(item.AccountId)
	if err != nil || acc == nil {
		log.Printf("Queue: dropping message for unknown account %s", item.AccountId)
		return
	}

	var msg map[string]any
	if err := json.Unmarshal([]byte(item.Payload), &msg); err != nil {
		log.Printf("Queue: dropping unparseable message: %v", err)
		return
	}

	e.DispatchMessage(acc, msg)
}

// requeueInput puts an input item back with an incremented counter, or
// drops it at the ceiling
func (e *Engine) requeueInput(item *domain.QueueItem) {
	item.Retries++
	if item.Retries > e.Conf.Conf.QueueRetryMax {
		log.Printf("Queue: dropping %s item after %d retries", item.Kind, item.Retries-1)
		return
	}
	wait := backoffMinutes[min(item.Retries-1, len(backoffMinutes)-1)]
	item.NextTryAt = time.Now().Add(time.Duration(wait) * time.Minute).UTC()
	if err := e.DB.Enqueue(item); err != nil {
		log.Printf("Queue: failed to requeue %s item: %v", item.Kind, err)
	}
}

func (e *Engine) processInputItem(item *domain.QueueItem) {
	err, acc := e.DB.ReadAccById(item.AccountId)
	if err != nil || acc == nil {
		log.Printf("Queue: dropping input for unknown account %s", item.AccountId)
		return
	}

	var msg map[string]any
	if err := json.Unmarshal([]byte(item.Payload), &msg); err != nil {
		log.Printf("Queue: dropping unparseable input: %v", err)
		return
	}

	var meta *RequestMeta
	if item.ReqMeta != "" {
		if meta, err = UnmarshalRequestMeta(item.ReqMeta); err != nil {
			log.Printf("Queue: dropping input with bad request metadata: %v", err)
			return
		}
	}

	result := e.ProcessInput(acc, msg, meta, []byte(item.Payload))
	switch result {
	case ResultRetryable:
		e.requeueInput(item)
	default:
		log.Printf("Queue: input %s for %s: %s", getString(msg, "type"), acc.Username, result)
	}
}

// processSharedInput verifies an instance-wide activity once, then fans it
// out as per-user input items to every account it is addressed to
func (e *Engine) processSharedInput(item *domain.QueueItem) {
	var msg map[string]any
	if err := json.Unmarshal([]byte(item.Payload), &msg); err != nil {
		log.Printf("Queue: dropping unparseable shared input: %v", err)
		return
	}

	var meta *RequestMeta
	var err error
	if item.ReqMeta != "" {
		if meta, err = UnmarshalRequestMeta(item.ReqMeta); err != nil {
			log.Printf("Queue: dropping shared input with bad request metadata: %v", err)
			return
		}
	}

	result := e.ProcessInput(nil, msg, meta, []byte(item.Payload))
	switch result {
	case ResultRetryable:
		e.requeueInput(item)
		return
	case ResultPropagate:
		// fall through to redistribution
	default:
		log.Printf("Queue: shared input %s: %s", getString(msg, "type"), result)
		return
	}

	err, accounts := e.DB.ReadAllAccounts()
	if err != nil {
		log.Printf("Queue: cannot list accounts for shared input: %v", err)
		e.requeueInput(item)
		return
	}

	matched := 0
	for i := range *accounts {
		acc := &(*accounts)[i]
		if !e.forUser(acc, msg) {
			continue
		}
		matched++
		clone := &domain.QueueItem{
			Kind:      domain.QueueInput,
			AccountId: acc.Id,
			Payload:   item.Payload,
			ReqMeta:   item.ReqMeta,
		}
		if err := e.DB.Enqueue(clone); err != nil {
			log.Printf("Queue: failed to redistribute shared input to %s: %v", acc.Username, err)
		}
	}

	if matched == 0 {
		log.Printf("Queue: shared input %s addressed to no local user", getString(msg, "type"))
	} else {
		log.Printf("Queue: shared input %s redistributed to %d users", getString(msg, "type"), matched)
	}
}

func (e *Engine) processCloseQuestion(item *domain.QueueItem) {
	err, acc := e.DB.ReadAccById(item.AccountId)
	if err != nil || acc == nil {
		log.Printf("Queue: dropping close-question for unknown account %s", item.AccountId)
		return
	}
	if err := e.UpdateQuestion(acc, item.Payload); err != nil {
		log.Printf("Queue: failed to close question %s: %v", item.Payload, err)
		e.requeueInput(item)
	}
}

func (e *Engine) processEmail(item *domain.QueueItem) {
	if e.Conf.Conf.DisableEmail || e.Mailer == nil {
		return
	}

	var mail EmailPayload
	if err := json.Unmarshal([]byte(item.Payload), &mail); err != nil {
		log.Printf("Queue: dropping unparseable email item: %v", err)
		return
	}

	if err := e.Mailer.Send(mail.To, mail.Subject, mail.Body); err != nil {
		log.Printf("Queue: email to %s failed: %v", mail.To, err)
		e.requeueInput(item)
	}
}

func (e *Engine) processChatNotify(item *domain.QueueItem) {
	if e.Chat == nil {
		return
	}

	var note ChatPayload
	if err := json.Unmarshal([]byte(item.Payload), &note); err != nil {
		log.Printf("Queue: dropping unparseable chat item: %v", err)
		return
	}

	if err := e.Chat.Notify(note.WebhookURL, note.Text); err != nil {
		log.Printf("Queue: chat notification failed: %v", err)
		e.requeueInput(item)
	}
}
