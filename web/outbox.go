package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/domain"
	"github.com/gin-gonic/gin"
)

// outboxPageSize caps the projection; clients wanting history page
// through their own instance
const outboxPageSize = 20

// handleOutbox serves the last public objects of a user, each wrapped in
// a Create, as an OrderedCollection
func (s *Server) handleOutbox(c *gin.Context) {
	c.Header("Content-Type", "application/activity+json; charset=utf-8")

	err, acc := s.DB.ReadAccByUsername(c.Param("username"))
	if err != nil || acc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	actorURI := s.Engine.ActorURI(acc.Username)
	err, objs := s.DB.ReadObjectsByAuthor(actorURI, outboxPageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage error"})
		return
	}

	var items []any
	for _, obj := range *objs {
		var raw map[string]any
		if err := json.Unmarshal([]byte(obj.RawJSON), &raw); err != nil {
			continue
		}
		if !activitypub.IsPublic(raw) {
			continue
		}
		items = append(items, map[string]any{
			"id":        obj.URI + "#Create",
			"type":      "Create",
			"actor":     actorURI,
			"published": raw["published"],
			"to":        raw["to"],
			"cc":        raw["cc"],
			"object":    raw,
		})
	}

	c.JSON(http.StatusOK, map[string]any{
		"@context":     activitypub.ContextActivityStreams,
		"id":           fmt.Sprintf("%s/outbox", actorURI),
		"type":         "OrderedCollection",
		"totalItems":   len(items),
		"orderedItems": items,
	})
}

func (s *Server) handleFollowers(c *gin.Context) {
	s.handleFollowCollection(c, domain.FollowerEdge, "followers")
}

func (s *Server) handleFollowing(c *gin.Context) {
	s.handleFollowCollection(c, domain.FollowingEdge, "following")
}

func (s *Server) handleFollowCollection(c *gin.Context, direction, name string) {
	c.Header("Content-Type", "application/activity+json; charset=utf-8")

	err, acc := s.DB.ReadAccByUsername(c.Param("username"))
	if err != nil || acc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	err, edges := s.DB.ReadFollows(acc.Id, direction)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage error"})
		return
	}

	items := make([]string, 0, len(*edges))
	for _, edge := range *edges {
		if edge.Accepted {
			items = append(items, edge.ActorURI)
		}
	}

	actorURI := s.Engine.ActorURI(acc.Username)
	c.JSON(http.StatusOK, map[string]any{
		"@context":     activitypub.ContextActivityStreams,
		"id":           fmt.Sprintf("%s/%s", actorURI, name),
		"type":         "OrderedCollection",
		"totalItems":   len(items),
		"orderedItems": items,
	})
}
