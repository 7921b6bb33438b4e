package replication

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/alexhholmes/gendb"
	"github.com/alexhholmes/gendb/internal/txlog"
)

const (
	logPath    = "/v1/log"
	ackPath    = "/v1/ack"
	statusPath = "/v1/status"

	// DefaultBatch is the number of records served per fetch when the
	// follower does not ask for a limit.
	DefaultBatch = 256

	frameContentType = "application/x-gendb-frames"
)

// Status describes a leader.
type Status struct {
	ID            uuid.UUID            `json:"id"`
	Generation    uint64               `json:"generation"`
	Sequence      uint64               `json:"sequence"`
	FirstSequence uint64               `json:"first_sequence"`
	Followers     map[uuid.UUID]uint64 `json:"followers"`
}

type ackRequest struct {
	Follower uuid.UUID `json:"follower" binding:"required"`
	Sequence uint64    `json:"sequence"`
}

// Server exposes a database's log to followers over HTTP:
//
//	GET  /v1/log?from=N&limit=M  framed records starting at N
//	POST /v1/ack                 {"follower": id, "sequence": N}
//	GET  /v1/status              leader position and follower acks
type Server struct {
	db     *gendb.DB
	source *LocalSource
	router *gin.Engine
}

func NewServer(db *gendb.DB) *Server {
	s := &Server{
		db:     db,
		source: NewLocalSource(db),
		router: gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.router.GET(logPath, s.getLog)
	s.router.POST(ackPath, s.postAck)
	s.router.GET(statusPath, s.getStatus)
	return s
}

// Handler returns the HTTP handler serving the routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Acks returns the follower acknowledgements received so far.
func (s *Server) Acks() *Acks {
	return s.source.Acks()
}

func (s *Server) getLog(c *gin.Context) {
	from, err := strconv.ParseUint(c.DefaultQuery("from", "1"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "from must be a sequence number"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(DefaultBatch)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "limit must be a positive integer"})
		return
	}

	recs, err := s.source.Fetch(c.Request.Context(), from, min(limit, DefaultBatch*16))
	switch {
	case errors.Is(err, gendb.ErrLogPruned):
		c.JSON(http.StatusGone, gin.H{"message": err.Error()})
		return
	case err != nil:
		s.db.Logger().Error("serving log records failed", "from", from, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}

	body, err := txlog.EncodeFrames(recs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.Data(http.StatusOK, frameContentType, body)
}

func (s *Server) postAck(c *gin.Context) {
	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Follower == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "follower id and sequence required"})
		return
	}
	if req.Sequence > s.db.Sequence() {
		c.JSON(http.StatusBadRequest, gin.H{"message": "sequence is ahead of the leader"})
		return
	}

	if err := s.source.Ack(c.Request.Context(), req.Follower, req.Sequence); err != nil {
		s.db.Logger().Error("pruning acknowledged log failed", "follower", req.Follower.String(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getStatus(c *gin.Context) {
	first, err := s.db.FirstLogSequence()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, Status{
		ID:            s.db.ID(),
		Generation:    s.db.Generation(),
		Sequence:      s.db.Sequence(),
		FirstSequence: first,
		Followers:     s.source.Acks().Followers(),
	})
}
