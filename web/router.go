package web

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
)

// Server bundles the HTTP surface's dependencies
type Server struct {
	Conf   *util.AppConfig
	DB     *db.DB
	Engine *activitypub.Engine
}

func NewServer(conf *util.AppConfig, database *db.DB, engine *activitypub.Engine) *Server {
	return &Server{Conf: conf, DB: database, Engine: engine}
}

// Router builds the gin engine with all federation endpoints
func (s *Server) Router() *gin.Engine {
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	g.Use(ThrottleMiddleware(NewThrottle(s.Conf.Conf.RateLimitPerSec, s.Conf.Conf.RateLimitBurst)))

	// activity posts get a stricter budget and a body cap
	apLimiter := NewThrottle(s.Conf.Conf.InboxRateLimitPerSec, s.Conf.Conf.InboxRateLimitBurst)
	maxBodySize := BodyLimitMiddleware(s.Conf.Conf.MaxBodyBytes)

	g.GET("/.well-known/webfinger", s.handleWebfinger)

	g.GET("/users/:username", s.handleActor)
	g.GET("/users/:username/outbox", s.handleOutbox)
	g.GET("/users/:username/followers", s.handleFollowers)
	g.GET("/users/:username/following", s.handleFollowing)

	g.POST("/users/:username/inbox", ThrottleMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		s.handleInboxPost(c, c.Param("username"))
	})

	g.POST("/inbox", ThrottleMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		s.handleInboxPost(c, "")
	})

	g.GET("/notes/:id", s.handleNote)

	g.GET("/feed/:username", s.handleRSS)

	return g
}

// Run starts the HTTP listener
func (s *Server) Run() error {
	log.Printf("Web: listening on %s:%d", s.Conf.Conf.Host, s.Conf.Conf.HttpPort)
	return s.Router().Run(fmt.Sprintf(":%d", s.Conf.Conf.HttpPort))
}

// handleInboxPost accepts an activity into the queue. username == ""
// means the shared inbox. Nothing is processed inline; signature
// verification happens at queue-drain time against the stored request
// metadata.
func (s *Server) handleInboxPost(c *gin.Context, username string) {
	body, err := c.GetRawData()
	if err != nil {
		log.Printf("Web: inbox failed to read body: %v", err)
		c.Status(http.StatusBadRequest)
		return
	}

	if c.GetHeader("Signature") == "" {
		log.Printf("Web: inbox post without signature header")
		c.Status(http.StatusBadRequest)
		return
	}

	if !activitypub.CheckDigest(c.GetHeader("Digest"), body) {
		log.Printf("Web: inbox digest mismatch")
		c.Status(http.StatusBadRequest)
		return
	}

	var msg map[string]any
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Printf("Web: inbox failed to parse activity: %v", err)
		c.Status(http.StatusBadRequest)
		return
	}

	actorURI, _ := msg["actor"].(string)
	if actorURI == "" {
		c.Status(http.StatusBadRequest)
		return
	}

	if s.Conf.IsInstanceBlocked(actorURI) {
		log.Printf("Web: rejecting activity from blocked instance %s", actorURI)
		c.Status(http.StatusForbidden)
		return
	}

	meta := activitypub.CaptureRequestMeta(c.Request)
	item := &domain.QueueItem{
		Payload: string(body),
		ReqMeta: meta.Marshal(),
	}

	if username == "" {
		item.Kind = domain.QueueSharedInput
	} else {
		err, acc := s.DB.ReadAccByUsername(username)
		if err != nil || acc == nil {
			c.Status(http.StatusNotFound)
			return
		}
		if muted, _ := s.DB.IsMuted(acc.Id, actorURI); muted {
			log.Printf("Web: rejecting activity from muted actor %s for %s", actorURI, username)
			c.Status(http.StatusForbidden)
			return
		}
		item.Kind = domain.QueueInput
		item.AccountId = acc.Id
	}

	if err := s.DB.Enqueue(item); err != nil {
		log.Printf("Web: failed to enqueue inbox activity: %v", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Status(http.StatusAccepted)
}

func (s *Server) handleActor(c *gin.Context) {
	c.Header("Content-Type", "application/activity+json; charset=utf-8")
	err, doc := s.GetActor(c.Param("username"))
	if err != nil {
		c.Render(http.StatusNotFound, render.String{Format: "{}"})
		return
	}
	c.Render(http.StatusOK, render.String{Format: doc})
}

func (s *Server) handleNote(c *gin.Context) {
	c.Header("Content-Type", "application/activity+json; charset=utf-8")
	noteURI := fmt.Sprintf("%s/notes/%s", s.Conf.BaseURL(), c.Param("id"))
	err, obj := s.DB.ReadObjectByURI(noteURI)
	if err != nil || obj == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Note not found"})
		return
	}
	c.Render(http.StatusOK, render.String{Format: obj.RawJSON})
}

func (s *Server) handleRSS(c *gin.Context) {
	c.Header("Content-Type", "application/xml; charset=utf-8")
	rss, err := s.GetRSS(c.Param("username"))
	if err != nil {
		c.Render(http.StatusNotFound, render.String{Format: ""})
		return
	}
	c.Render(http.StatusOK, render.String{Format: rss})
}
