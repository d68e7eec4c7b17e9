// Package handlers exposes the events service over HTTP.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"eventsync/internal/http-server/middleware/auth"
	"eventsync/internal/lib/logger/sl"
	"eventsync/internal/models"
	"eventsync/internal/services/events"
	"eventsync/internal/services/participation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type EventService interface {
	CreateEvent(ctx context.Context, caller models.Identity, in events.EventInput) (models.FullEvent, error)
	UpdateEvent(ctx context.Context, caller models.Identity, eventID uuid.UUID, in events.EventInput) (models.FullEvent, error)
	GetEvent(ctx context.Context, eventID uuid.UUID) (models.FullEvent, error)
	ListEvents(ctx context.Context, caller models.Identity, q events.ListQuery) ([]models.FullEvent, error)
	Register(ctx context.Context, caller models.Identity, eventID uuid.UUID) error
	Unregister(ctx context.Context, caller models.Identity, eventID uuid.UUID) error
	RemoveParticipant(ctx context.Context, caller models.Identity, eventID uuid.UUID, email string) error
	ChangeRole(ctx context.Context, caller models.Identity, eventID uuid.UUID, email string, role models.Role) error
	DeleteEvent(ctx context.Context, caller models.Identity, eventID uuid.UUID) error
	SetCategories(ctx context.Context, caller models.Identity, eventID uuid.UUID, categoryIDs []int64) (participation.CategoryDelta, error)
	CreateCategory(ctx context.Context, name string) (models.Category, error)
	ListCategories(ctx context.Context) ([]models.Category, error)
}

type Handler struct {
	log *slog.Logger
	svc EventService
}

func New(log *slog.Logger, svc EventService) *Handler {
	return &Handler{log: log, svc: svc}
}

// Routes mounts every endpoint on r. r is expected to run the auth middleware.
func (h *Handler) Routes(r gin.IRouter) {
	r.GET("/event", h.listEvents)
	r.GET("/event/:id", h.getEvent)

	admin := r.Group("/admin/event")
	{
		admin.PUT("", h.createEvent)
		admin.POST("/:id", h.updateEvent)
		admin.DELETE("/:id", h.deleteEvent)
		admin.POST("/:id/participant", h.changeRole)
		admin.DELETE("/:id/participant", h.removeParticipant)
		admin.POST("/:id/category", h.setCategories)
	}

	user := r.Group("/user/event")
	{
		user.POST("/:id", h.register)
		user.DELETE("/:id", h.unregister)
	}

	r.GET("/category", h.listCategories)
	r.PUT("/category", h.createCategory)
}

type emailRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type changeRoleRequest struct {
	Email string      `json:"email" binding:"required,email"`
	Role  models.Role `json:"type" binding:"required"`
}

type createCategoryRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *Handler) listEvents(c *gin.Context) {
	q := events.ListQuery{
		OnlyFuture: queryBool(c, "onlyFuture"),
		OnlyPast:   queryBool(c, "onlyPast"),
		OnlyMine:   queryBool(c, "onlyMine"),
		OnlyJoined: queryBool(c, "onlyJoined"),
	}
	if raw := c.Query("categories"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid category id"})
				return
			}
			q.CategoryIDs = append(q.CategoryIDs, id)
		}
	}

	list, err := h.svc.ListEvents(c.Request.Context(), caller(c), q)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, list)
}

func (h *Handler) getEvent(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}

	full, err := h.svc.GetEvent(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, full)
}

func (h *Handler) createEvent(c *gin.Context) {
	var in events.EventInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	full, err := h.svc.CreateEvent(c.Request.Context(), caller(c), in)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, full)
}

func (h *Handler) updateEvent(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	var in events.EventInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	full, err := h.svc.UpdateEvent(c.Request.Context(), caller(c), id, in)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, full)
}

func (h *Handler) deleteEvent(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}

	if err := h.svc.DeleteEvent(c.Request.Context(), caller(c), id); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) changeRole(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	var req changeRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.svc.ChangeRole(c.Request.Context(), caller(c), id, req.Email, req.Role); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) removeParticipant(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.svc.RemoveParticipant(c.Request.Context(), caller(c), id, req.Email); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) setCategories(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	var ids []int64
	if err := c.ShouldBindJSON(&ids); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	delta, err := h.svc.SetCategories(c.Request.Context(), caller(c), id, ids)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"added": delta.Added, "removed": delta.Removed})
}

func (h *Handler) register(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}

	if err := h.svc.Register(c.Request.Context(), caller(c), id); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) unregister(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}

	if err := h.svc.Unregister(c.Request.Context(), caller(c), id); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) listCategories(c *gin.Context) {
	categories, err := h.svc.ListCategories(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, categories)
}

func (h *Handler) createCategory(c *gin.Context) {
	var req createCategoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	category, err := h.svc.CreateCategory(c.Request.Context(), req.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, category)
}

// respondError maps service errors to status codes. Unexpected errors are
// logged and reported without detail.
func (h *Handler) respondError(c *gin.Context, err error) {
	status, msg := http.StatusInternalServerError, "internal error"

	switch {
	case errors.Is(err, participation.ErrEventNotFound):
		status, msg = http.StatusNotFound, "Event not found"
	case errors.Is(err, participation.ErrEmailNotFound):
		status, msg = http.StatusNotFound, "Email not found"
	case errors.Is(err, participation.ErrAlreadyRegistered):
		status, msg = http.StatusConflict, "Already registered"
	case errors.Is(err, participation.ErrEventFull):
		status, msg = http.StatusConflict, "Event full"
	case errors.Is(err, participation.ErrDeadlinePassed):
		status, msg = http.StatusConflict, "Deadline passed"
	case errors.Is(err, participation.ErrWouldHaveNoHosts):
		status, msg = http.StatusConflict, "Event will have no hosts"
	case errors.Is(err, events.ErrCategoryExists):
		status, msg = http.StatusConflict, "Category already exists"
	case errors.Is(err, events.ErrForbidden):
		status, msg = http.StatusForbidden, "No access"
	case errors.Is(err, events.ErrCategoryNameTooLong):
		status, msg = http.StatusBadRequest, "Category name too long"
	case errors.Is(err, participation.ErrInvalidRole):
		status, msg = http.StatusBadRequest, "Invalid role"
	case errors.Is(err, events.ErrInvalidInput):
		status, msg = http.StatusBadRequest, "Invalid input"
	default:
		h.log.Error("request failed", slog.String("path", c.FullPath()), sl.Err(err))
	}

	c.JSON(status, gin.H{"error": msg})
}

func eventID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func caller(c *gin.Context) models.Identity {
	identity, _ := auth.Identity(c)
	return identity
}

func queryBool(c *gin.Context, key string) bool {
	v, _ := strconv.ParseBool(c.Query(key))
	return v
}
