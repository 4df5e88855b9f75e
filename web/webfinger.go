package web

import (
	"log"
	"net/http"
	"strings"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/gin-gonic/gin"
)

// handleWebfinger serves webfinger lookups for local users. Accepted
// resources: "acct:user@host" for the configured domain or one of its
// aliases, or the bare actor URL.
func (s *Server) handleWebfinger(c *gin.Context) {
	c.Header("Content-Type", "application/jrd+json; charset=utf-8")

	resource := c.Query("resource")
	if resource == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "missing resource"})
		return
	}

	var username string
	switch {
	case strings.HasPrefix(resource, "acct:"):
		handle := strings.TrimPrefix(resource, "acct:")
		parts := strings.Split(handle, "@")
		if len(parts) != 2 || !s.Conf.IsLocalHost(parts[1]) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
			return
		}
		username = parts[0]
	case strings.HasPrefix(resource, "https://"), strings.HasPrefix(resource, "http://"):
		username = s.Engine.LocalUsername(resource)
		if username == "" {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"detail": "unsupported resource"})
		return
	}

	err, acc := s.DB.ReadAccByUsername(username)
	if err != nil || acc == nil {
		log.Printf("Web: webfinger miss for %q", resource)
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}

	actorURI := s.Engine.ActorURI(acc.Username)
	c.JSON(http.StatusOK, activitypub.WebfingerResponse{
		Subject: "acct:" + acc.Username + "@" + s.Conf.Conf.SslDomain,
		Aliases: []string{actorURI},
		Links: []activitypub.WebfingerLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: actorURI,
			},
		},
	})
}
