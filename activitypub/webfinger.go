package activitypub

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/deemkeen/mammut/domain"
)

// WebfingerLink is one entry of a webfinger response's links list
type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

// WebfingerResponse is the JRD document served at /.well-known/webfinger
type WebfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebfingerLink `json:"links"`
}

// ResolveHandle maps a handle ("user@host", with or without a leading @)
// or a bare actor URL to a canonical actor id and handle. Lookups for our
// own host are answered internally; remote results are cached keyed by the
// original query.
func (e *Engine) ResolveHandle(acc *domain.Account, query string) (int, string, string) {
	var host, resource string

	if strings.HasPrefix(query, "https://") || strings.HasPrefix(query, "http://") {
		parsed, err := url.Parse(query)
		if err != nil {
			return http.StatusBadRequest, "", ""
		}
		// a URL naming one of our own actors needs no network round trip
		if username := e.LocalUsername(query); username != "" {
			if err, localAcc := e.DB.ReadAccByUsername(username); err == nil && localAcc != nil {
				return http.StatusOK, query, fmt.Sprintf("%s@%s", localAcc.Username, e.Conf.Conf.SslDomain)
			}
			return http.StatusNotFound, "", ""
		}
		host = parsed.Host
		resource = query
	} else {
		handle := strings.TrimPrefix(query, "@")
		parts := strings.Split(handle, "@")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return http.StatusBadRequest, "", ""
		}
		user := parts[0]
		host = parts[1]

		if e.Conf.IsLocalHost(host) {
			if err, localAcc := e.DB.ReadAccByUsername(user); err == nil && localAcc != nil {
				return http.StatusOK, e.ActorURI(localAcc.Username), fmt.Sprintf("%s@%s", localAcc.Username, e.Conf.Conf.SslDomain)
			}
			return http.StatusNotFound, "", ""
		}
		resource = "acct:" + handle
	}

	if actorURI, handle, err := e.DB.ReadWebfingerEntry(query); err == nil && actorURI != "" {
		return http.StatusOK, actorURI, handle
	}

	wfURL := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s", host, url.QueryEscape(resource))

	// webfinger responses carry a JRD content type, not ActivityPub, so
	// this skips the activity content-type gate
	status, body, _ := e.request(acc, wfURL)
	if !validStatus(status) {
		return status, "", ""
	}

	var wf WebfingerResponse
	if err := json.Unmarshal(body, &wf); err != nil {
		log.Printf("Webfinger: failed to parse response for %s: %v", query, err)
		return http.StatusInternalServerError, "", ""
	}

	actorURI := ""
	for _, link := range wf.Links {
		if link.Rel == "self" && strings.Contains(link.Type, "application/activity+json") {
			actorURI = link.Href
			break
		}
	}
	if actorURI == "" {
		return http.StatusNotFound, "", ""
	}

	handle := strings.TrimPrefix(wf.Subject, "acct:")

	if err := e.DB.PutWebfingerEntry(query, actorURI, handle); err != nil {
		log.Printf("Webfinger: failed to cache entry for %s: %v", query, err)
	}

	return http.StatusOK, actorURI, handle
}
