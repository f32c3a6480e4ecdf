package http

import (
	"context"
	stderrors "errors"
	"net/http"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"
	"classmesh/internal/infrastructure/monitoring"
	"classmesh/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Classroom is the participant the control API drives.
type Classroom interface {
	Join(ctx context.Context, name string, role domain.Role, roomID string) (domain.Participant, error)
	Leave(ctx context.Context) error
	RequestScreenShareStart(ctx context.Context) error
	RequestScreenShareStop(ctx context.Context) error
	ToggleVideo(ctx context.Context) (bool, error)
	ToggleAudio(ctx context.Context) (bool, error)
	ToggleHand(ctx context.Context) (bool, error)

	Joined() bool
	Self() (domain.Participant, error)
	Room() domain.RoomID
	Participants() []domain.Participant
	CurrentTeacher() (domain.Participant, bool)
	Sessions() []domain.SessionInfo
	RemoteStreams() []ports.RemoteStream
	ScreenShare() domain.ScreenShareState
}

type ControlHandler struct {
	classroom Classroom
	health    *monitoring.HealthChecker
	events    *EventHub
	metrics   http.Handler
}

// NewControlHandler wires the routes' collaborators. health, events and
// metrics may be nil, in which case their routes are not registered.
func NewControlHandler(classroom Classroom, health *monitoring.HealthChecker, events *EventHub, metrics http.Handler) *ControlHandler {
	return &ControlHandler{
		classroom: classroom,
		health:    health,
		events:    events,
		metrics:   metrics,
	}
}

func (h *ControlHandler) SetupRoutes(router *gin.Engine) {
	if h.health != nil {
		router.GET("/health", h.Health)
	}
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}
	if h.events != nil {
		router.GET("/events", gin.WrapF(h.events.HandleWebSocket))
	}

	api := router.Group("/api/v1")
	{
		api.POST("/join", h.Join)
		api.POST("/leave", h.Leave)
		api.GET("/self", h.GetSelf)
		api.GET("/roster", h.GetRoster)
		api.GET("/sessions", h.ListSessions)
		api.GET("/streams", h.ListStreams)

		api.POST("/screenshare/start", h.StartScreenShare)
		api.POST("/screenshare/stop", h.StopScreenShare)
		api.POST("/media/video", h.ToggleVideo)
		api.POST("/media/audio", h.ToggleAudio)
		api.POST("/hand", h.ToggleHand)
	}
}

func (h *ControlHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *ControlHandler) Join(c *gin.Context) {
	var req struct {
		Name string      `json:"name" binding:"required,max=100"`
		Role domain.Role `json:"role" binding:"required"`
		Room string      `json:"room" binding:"required,max=64"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	self, err := h.classroom.Join(c.Request.Context(), req.Name, req.Role, req.Room)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"room": h.classroom.Room(),
		"self": participantView{ID: self.ID, Participant: self},
	})
}

func (h *ControlHandler) Leave(c *gin.Context) {
	if err := h.classroom.Leave(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ControlHandler) GetSelf(c *gin.Context) {
	self, err := h.classroom.Self()
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room": h.classroom.Room(),
		"self": participantView{ID: self.ID, Participant: self},
	})
}

func (h *ControlHandler) GetRoster(c *gin.Context) {
	if !h.classroom.Joined() {
		_ = c.Error(domain.ErrNotJoined)
		return
	}

	participants := h.classroom.Participants()
	views := make([]participantView, 0, len(participants))
	for _, p := range participants {
		views = append(views, participantView{ID: p.ID, Participant: p})
	}

	resp := gin.H{
		"room":         h.classroom.Room(),
		"participants": views,
		"screen_share": h.classroom.ScreenShare(),
	}
	if teacher, ok := h.classroom.CurrentTeacher(); ok {
		resp["teacher"] = participantView{ID: teacher.ID, Participant: teacher}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ControlHandler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.classroom.Sessions()})
}

func (h *ControlHandler) ListStreams(c *gin.Context) {
	streams := h.classroom.RemoteStreams()
	views := make([]streamView, 0, len(streams))
	for _, s := range streams {
		views = append(views, viewOfStream(s))
	}
	c.JSON(http.StatusOK, gin.H{"streams": views})
}

func (h *ControlHandler) StartScreenShare(c *gin.Context) {
	if err := h.classroom.RequestScreenShareStart(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"screen_share": h.classroom.ScreenShare()})
}

func (h *ControlHandler) StopScreenShare(c *gin.Context) {
	if err := h.classroom.RequestScreenShareStop(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"screen_share": h.classroom.ScreenShare()})
}

func (h *ControlHandler) ToggleVideo(c *gin.Context) {
	h.toggle(c, h.classroom.ToggleVideo)
}

func (h *ControlHandler) ToggleAudio(c *gin.Context) {
	h.toggle(c, h.classroom.ToggleAudio)
}

func (h *ControlHandler) ToggleHand(c *gin.Context) {
	h.toggle(c, h.classroom.ToggleHand)
}

func (h *ControlHandler) toggle(c *gin.Context, fn func(context.Context) (bool, error)) {
	enabled, err := fn(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": enabled})
}

// ClassifyError maps classroom errors onto control API responses.
func ClassifyError(err error) *errors.AppError {
	var me *domain.MediaError
	switch {
	case stderrors.As(err, &me):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, me.UserMessage(), http.StatusServiceUnavailable).
			WithContext("media_error", string(me.Kind))
	case stderrors.Is(err, domain.ErrInvalidJoin):
		return errors.WrapError(err, errors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrNotTeacher):
		return errors.WrapError(err, errors.ErrCodeForbidden, err.Error(), http.StatusForbidden)
	case stderrors.Is(err, domain.ErrScreenShareActive),
		stderrors.Is(err, domain.ErrAlreadyJoined),
		stderrors.Is(err, domain.ErrNotJoined):
		return errors.WrapError(err, errors.ErrCodeConflict, err.Error(), http.StatusConflict)
	case stderrors.Is(err, domain.ErrParticipantNotFound):
		return errors.WrapError(err, errors.ErrCodeNotFound, err.Error(), http.StatusNotFound)
	case stderrors.Is(err, domain.ErrMediaUnavailable):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, err.Error(), http.StatusServiceUnavailable)
	}
	return nil
}
