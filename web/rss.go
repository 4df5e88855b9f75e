package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/util"
	"github.com/gorilla/feeds"
)

// GetRSS renders a user's public notes as an RSS feed
func (s *Server) GetRSS(username string) (string, error) {
	err, acc := s.DB.ReadAccByUsername(username)
	if err != nil || acc == nil {
		return "", errors.New("unknown user")
	}

	actorURI := s.Engine.ActorURI(acc.Username)
	err, objs := s.DB.ReadObjectsByAuthor(actorURI, outboxPageSize)
	if err != nil {
		log.Printf("Web: could not read notes for %s: %v", username, err)
		return "", errors.New("error retrieving notes")
	}

	email := fmt.Sprintf("%s@%s", acc.Username, s.Conf.Conf.SslDomain)

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s Notes - %s", util.Name, username),
		Link:        &feeds.Link{Href: fmt.Sprintf("%s/feed/%s", s.Conf.BaseURL(), username)},
		Description: fmt.Sprintf("public notes of %s", email),
		Author:      &feeds.Author{Name: username, Email: email},
		Created:     time.Now(),
	}

	var feedItems []*feeds.Item
	for _, obj := range *objs {
		var raw map[string]any
		if err := json.Unmarshal([]byte(obj.RawJSON), &raw); err != nil {
			continue
		}
		if !activitypub.IsPublic(raw) {
			continue
		}
		content, _ := raw["content"].(string)
		feedItems = append(feedItems,
			&feeds.Item{
				Id:      obj.URI,
				Title:   obj.CreatedAt.Format(util.DateTimeFormat()),
				Link:    &feeds.Link{Href: obj.URI},
				Content: content,
				Author:  &feeds.Author{Name: username, Email: email},
				Created: obj.CreatedAt,
			})
	}

	feed.Items = feedItems
	return feed.ToRss()
}
