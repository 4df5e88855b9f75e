package activitypub

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
)

// Connection-layer faults are reported as a negative status so callers can
// tell them apart from any real HTTP response.
const statusConnError = -1

// The delivery worker reports its own client-side timeout as 499, the
// closest thing HTTP has to "the peer never answered in time".
const statusTimeout = 499

// request performs a GET, signed with the account's key when one is given.
// When a signed request gets no response or a 5xx, it is retried once
// unsigned with bare accept/user-agent headers; some servers reject signed
// GETs but serve unsigned ones.
func (e *Engine) request(acc *domain.Account, url string) (int, []byte, string) {
	status, body, ctype := e.doGet(acc, url)

	if acc != nil && (status <= 0 || status >= 500) {
		log.Printf("Transport: signed GET %s failed (%d), retrying unsigned", url, status)
		status, body, ctype = e.doGet(nil, url)
	}

	return status, body, ctype
}

func (e *Engine) doGet(acc *domain.Account, url string) (int, []byte, string) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return statusConnError, nil, ""
	}

	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", util.UserAgent())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if acc != nil {
		privateKey, err := ParsePrivateKey(acc.WebPrivateKey)
		if err != nil {
			log.Printf("Transport: bad private key for %s: %v", acc.Username, err)
			return statusConnError, nil, ""
		}
		if err := SignGetRequest(req, privateKey, e.KeyId(acc.Username)); err != nil {
			log.Printf("Transport: failed to sign GET %s: %v", url, err)
			return statusConnError, nil, ""
		}
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return statusConnError, nil, ""
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return statusConnError, nil, ""
	}

	return resp.StatusCode, body, resp.Header.Get("Content-Type")
}

// isActivityType reports whether a content type declares ActivityPub data
func isActivityType(ctype string) bool {
	return strings.Contains(ctype, "application/activity+json") ||
		strings.Contains(ctype, "application/ld+json")
}

// Fetch retrieves a remote activity or object. A response only counts as
// protocol data when it declares an ActivityPub content type and carries a
// body; anything else is reported as 400, regardless of the literal HTTP
// status, so an HTML error page is never fed into the activity parser.
func (e *Engine) Fetch(acc *domain.Account, url string) (int, []byte) {
	status, body, ctype := e.request(acc, url)

	if validStatus(status) {
		if len(body) == 0 || !isActivityType(ctype) {
			return http.StatusBadRequest, nil
		}
	}
	return status, body
}

// FetchMap retrieves and parses a remote activity or object
func (e *Engine) FetchMap(acc *domain.Account, url string) (int, map[string]any) {
	status, body := e.Fetch(acc, url)
	if !validStatus(status) {
		return status, nil
	}

	var msg map[string]any
	if err := json.Unmarshal(body, &msg); err != nil {
		return http.StatusInternalServerError, nil
	}
	return status, msg
}

// post delivers a payload to a remote inbox, signed with the given key.
// Timeout failures surface as 499 so the retry logic can recognize them.
func (e *Engine) post(inboxURI string, payload []byte, acc *domain.Account, timeout time.Duration) (int, []byte) {
	req, err := http.NewRequest("POST", inboxURI, bytes.NewReader(payload))
	if err != nil {
		return statusConnError, nil
	}

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", util.UserAgent())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	privateKey, err := ParsePrivateKey(acc.WebPrivateKey)
	if err != nil {
		log.Printf("Transport: bad private key for %s: %v", acc.Username, err)
		return statusConnError, nil
	}
	if err := SignRequest(req, privateKey, e.KeyId(acc.Username), payload); err != nil {
		log.Printf("Transport: failed to sign POST %s: %v", inboxURI, err)
		return statusConnError, nil
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		if isTimeoutErr(err) {
			return statusTimeout, nil
		}
		return statusConnError, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, body
}

func isTimeoutErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "Client.Timeout exceeded")
}

// truncateForLog sanitizes a response payload for log output
func truncateForLog(body []byte) string {
	s := string(body)
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", "")
	if len(s) > 100 {
		s = s[:100] + "..."
	}
	return s
}
