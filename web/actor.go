package web

import (
	"encoding/json"
	"fmt"
)

// GetActor renders a local account as an ActivityPub actor document
func (s *Server) GetActor(username string) (error, string) {
	err, acc := s.DB.ReadAccByUsername(username)
	if err != nil || acc == nil {
		return err, "{}"
	}

	actorURI := s.Engine.ActorURI(acc.Username)

	displayName := acc.DisplayName
	if displayName == "" {
		displayName = acc.Username
	}

	actorType := "Person"
	if acc.Bot {
		actorType = "Service"
	}

	doc := map[string]any{
		"@context": []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":                        actorURI,
		"type":                      actorType,
		"preferredUsername":         acc.Username,
		"name":                      displayName,
		"summary":                   acc.Summary,
		"url":                       actorURI,
		"inbox":                     fmt.Sprintf("%s/inbox", actorURI),
		"outbox":                    fmt.Sprintf("%s/outbox", actorURI),
		"followers":                 fmt.Sprintf("%s/followers", actorURI),
		"following":                 fmt.Sprintf("%s/following", actorURI),
		"manuallyApprovesFollowers": false,
		"discoverable":              true,
		"published":                 acc.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		"publicKey": map[string]any{
			"id":           fmt.Sprintf("%s#main-key", actorURI),
			"owner":        actorURI,
			"publicKeyPem": acc.WebPublicKey,
		},
	}

	if s.Conf.Conf.SharedInboxes {
		doc["endpoints"] = map[string]any{
			"sharedInbox": fmt.Sprintf("%s/inbox", s.Conf.BaseURL()),
		}
	}

	if acc.AvatarURL != "" {
		doc["icon"] = map[string]any{
			"type":      "Image",
			"mediaType": "image/png",
			"url":       acc.AvatarURL,
		}
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return err, "{}"
	}
	return nil, string(b)
}
