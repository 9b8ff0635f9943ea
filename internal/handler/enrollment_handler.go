package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/class-admission-api/internal/models"
	"github.com/noah-isme/class-admission-api/internal/service"
	appErrors "github.com/noah-isme/class-admission-api/pkg/errors"
	"github.com/noah-isme/class-admission-api/pkg/response"
)

// EnrollmentHandler exposes the admission endpoints.
type EnrollmentHandler struct {
	admissions *service.AdmissionService
	exports    *service.ExportService
}

// NewEnrollmentHandler constructs EnrollmentHandler. exports may be nil when
// roster downloads are disabled.
func NewEnrollmentHandler(admissions *service.AdmissionService, exports *service.ExportService) *EnrollmentHandler {
	return &EnrollmentHandler{admissions: admissions, exports: exports}
}

type applyPayload struct {
	Answers        models.AnswerMap `json:"answers"`
	IdempotencyKey string           `json:"idempotency_key"`
}

type cancelPayload struct {
	Reason string `json:"reason"`
}

// Apply godoc
// @Summary Apply to a class
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param classId path string true "Class ID"
// @Param Idempotency-Key header string false "Idempotency key"
// @Param payload body applyPayload true "Application payload"
// @Success 201 {object} response.Envelope
// @Router /classes/{classId}/enrollments [post]
func (h *EnrollmentHandler) Apply(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var payload applyPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	key := c.GetHeader("Idempotency-Key")
	if key == "" {
		key = payload.IdempotencyKey
	}

	enrollment, replayed, err := h.admissions.Apply(c.Request.Context(), service.ApplyRequest{
		ClassID:        c.Param("classId"),
		UserID:         claims.UserID,
		Answers:        payload.Answers,
		IdempotencyKey: key,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	if replayed {
		response.JSON(c, http.StatusOK, enrollment, nil)
		return
	}
	response.Created(c, enrollment)
}

// Cancel godoc
// @Summary Cancel an enrollment
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param payload body cancelPayload false "Cancellation payload"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id} [delete]
func (h *EnrollmentHandler) Cancel(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var payload cancelPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
			return
		}
	}

	enrollment, err := h.admissions.Cancel(c.Request.Context(), c.Param("id"), claims.UserID, claims.IsAdmin, payload.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// UpdateAnswers godoc
// @Summary Update enrollment answers
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param payload body service.UpdateAnswersRequest true "Answers payload"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/answers [put]
func (h *EnrollmentHandler) UpdateAnswers(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.UpdateAnswersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	enrollment, err := h.admissions.UpdateAnswers(c.Request.Context(), c.Param("id"), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// Decide godoc
// @Summary Decide on an enrollment
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param payload body service.DecideRequest true "Decision payload"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/decision [put]
func (h *EnrollmentHandler) Decide(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.DecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	req.Status = models.EnrollmentStatus(strings.ToUpper(string(req.Status)))

	enrollment, err := h.admissions.Decide(c.Request.Context(), c.Param("id"), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// Get godoc
// @Summary Get one enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id} [get]
func (h *EnrollmentHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	enrollment, err := h.admissions.Get(c.Request.Context(), c.Param("id"), claims.UserID, claims.IsAdmin)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// List godoc
// @Summary List enrollments
// @Tags Enrollments
// @Produce json
// @Param userId query string false "Filter by user"
// @Param classId query string false "Filter by class"
// @Param status query string false "Filter by status"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /enrollments [get]
func (h *EnrollmentHandler) List(c *gin.Context) {
	var filter models.EnrollmentFilter
	filter.UserID = c.Query("userId")
	filter.ClassID = c.Query("classId")
	filter.Status = models.EnrollmentStatus(strings.ToUpper(c.Query("status")))
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")

	enrollments, pagination, err := h.admissions.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, pagination)
}

// Stats godoc
// @Summary Class enrollment stats
// @Tags Enrollments
// @Produce json
// @Param classId path string true "Class ID"
// @Success 200 {object} response.Envelope
// @Router /classes/{classId}/enrollments/stats [get]
func (h *EnrollmentHandler) Stats(c *gin.Context) {
	stats, err := h.admissions.Stats(c.Request.Context(), c.Param("classId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil)
}

// ExportRoster godoc
// @Summary Export class roster
// @Tags Enrollments
// @Produce text/csv
// @Produce application/pdf
// @Param classId path string true "Class ID"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} binary
// @Router /classes/{classId}/enrollments/export [get]
func (h *EnrollmentHandler) ExportRoster(c *gin.Context) {
	if h.exports == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "exports are disabled"))
		return
	}
	format := service.RosterFormat(strings.ToLower(c.DefaultQuery("format", "csv")))

	result, err := h.exports.RenderRoster(c.Request.Context(), c.Param("classId"), format)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
	c.Data(http.StatusOK, result.ContentType, result.Data)
}
