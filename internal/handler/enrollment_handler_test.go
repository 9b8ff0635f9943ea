package handler

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	internalmiddleware "github.com/noah-isme/class-admission-api/internal/middleware"
	"github.com/noah-isme/class-admission-api/internal/models"
	"github.com/noah-isme/class-admission-api/internal/service"
	appErrors "github.com/noah-isme/class-admission-api/pkg/errors"
)

type memEnrollmentStore struct {
	enrollments map[string]*models.Enrollment
	nextID      int
}

func (s *memEnrollmentStore) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

func (s *memEnrollmentStore) FindByID(ctx context.Context, q sqlx.QueryerContext, id string) (*models.Enrollment, error) {
	if e, ok := s.enrollments[id]; ok {
		copied := *e
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (s *memEnrollmentStore) FindByIdempotencyKey(ctx context.Context, q sqlx.QueryerContext, key string) (*models.Enrollment, error) {
	for _, e := range s.enrollments {
		if e.IdempotencyKey != nil && *e.IdempotencyKey == key {
			copied := *e
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *memEnrollmentStore) FindByUserAndClass(ctx context.Context, q sqlx.QueryerContext, userID, classID string) (*models.Enrollment, error) {
	for _, e := range s.enrollments {
		if e.UserID == userID && e.ClassID == classID {
			copied := *e
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *memEnrollmentStore) Create(ctx context.Context, tx *sqlx.Tx, enrollment *models.Enrollment) error {
	s.nextID++
	enrollment.ID = fmt.Sprintf("e-%d", s.nextID)
	enrollment.AppliedAt = time.Now()
	enrollment.Version = 1
	copied := *enrollment
	s.enrollments[enrollment.ID] = &copied
	return nil
}

func (s *memEnrollmentStore) UpdateStatus(ctx context.Context, tx *sqlx.Tx, id string, status models.EnrollmentStatus, decidedAt time.Time, decidedBy, reason string) error {
	e, ok := s.enrollments[id]
	if !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
	}
	e.Status = status
	e.Version++
	return nil
}

func (s *memEnrollmentStore) Cancel(ctx context.Context, tx *sqlx.Tx, id string, reason string, canceledAt time.Time) error {
	e, ok := s.enrollments[id]
	if !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
	}
	e.Status = models.EnrollmentStatusCanceled
	e.Version++
	return nil
}

func (s *memEnrollmentStore) UpdateAnswersWithVersion(ctx context.Context, tx *sqlx.Tx, id string, answers models.AnswerMap, expectedVersion int64) error {
	e, ok := s.enrollments[id]
	if !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
	}
	if e.Version != expectedVersion {
		return appErrors.Clone(appErrors.ErrVersionConflict, "enrollment was modified concurrently")
	}
	e.Answers = answers
	e.Version++
	return nil
}

func (s *memEnrollmentStore) OldestWaitlisted(ctx context.Context, tx *sqlx.Tx, classID string) (*models.Enrollment, error) {
	return nil, nil
}

func (s *memEnrollmentStore) StatsByClass(ctx context.Context, classID string) (*models.ClassStats, error) {
	return &models.ClassStats{ClassID: classID}, nil
}

func (s *memEnrollmentStore) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error) {
	var out []models.Enrollment
	for _, e := range s.enrollments {
		out = append(out, *e)
	}
	return out, len(out), nil
}

type memClassStore struct {
	snap *models.ClassSnapshot
}

func (s *memClassStore) FindByID(ctx context.Context, id string) (*models.Class, error) {
	if s.snap == nil {
		return nil, sql.ErrNoRows
	}
	class := s.snap.Class
	return &class, nil
}

func (s *memClassStore) FindFormByID(ctx context.Context, id string) (*models.ApplicationForm, error) {
	if s.snap == nil || s.snap.Form == nil {
		return nil, sql.ErrNoRows
	}
	form := *s.snap.Form
	return &form, nil
}

func (s *memClassStore) LockSnapshot(ctx context.Context, tx *sqlx.Tx, classID string) (*models.ClassSnapshot, error) {
	if s.snap == nil {
		return nil, sql.ErrNoRows
	}
	snap := *s.snap
	return &snap, nil
}

func intPtr(v int) *int { return &v }

func buildAdmissionRouter(store *memEnrollmentStore, classes *memClassStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if userID := c.GetHeader("X-Test-User"); userID != "" {
			c.Set(internalmiddleware.ContextUserKey, &models.JWTClaims{
				UserID:  userID,
				IsAdmin: c.GetHeader("X-Test-Admin") == "true",
			})
		}
		c.Next()
	})

	svc := service.NewAdmissionService(store, classes, nil, nil, nil, service.AdmissionConfig{
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}, nil, zap.NewNop())
	h := NewEnrollmentHandler(svc, nil)

	adminOnly := func(c *gin.Context) {
		claims := claimsFromContext(c)
		if claims == nil || !claims.IsAdmin {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}

	router.POST("/classes/:classId/enrollments", h.Apply)
	router.GET("/classes/:classId/enrollments/stats", h.Stats)
	router.GET("/enrollments/:id", h.Get)
	router.DELETE("/enrollments/:id", h.Cancel)
	router.PUT("/enrollments/:id/answers", h.UpdateAnswers)
	router.PUT("/enrollments/:id/decision", adminOnly, h.Decide)
	return router
}

func performRequest(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func openSnapshot() *models.ClassSnapshot {
	return &models.ClassSnapshot{
		Class: models.Class{
			ID:             "class-1",
			Name:           "Algebra",
			Capacity:       intPtr(10),
			RecruitStartAt: time.Now().Add(-time.Hour),
			RecruitEndAt:   time.Now().Add(time.Hour),
			SelectionType:  models.SelectionFirstCome,
			Visibility:     models.VisibilityPublic,
		},
		Form: &models.ApplicationForm{ID: "form-1", ClassID: "class-1", Active: true},
	}
}

func TestEnrollmentRoutes(t *testing.T) {
	store := &memEnrollmentStore{enrollments: make(map[string]*models.Enrollment)}
	router := buildAdmissionRouter(store, &memClassStore{snap: openSnapshot()})

	t.Run("apply requires authentication", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, "/classes/class-1/enrollments", bytes.NewBufferString(`{}`))
		req.Header.Set("Content-Type", "application/json")
		resp := performRequest(router, req)
		require.Equal(t, http.StatusUnauthorized, resp.Code)
	})

	t.Run("apply creates enrollment", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, "/classes/class-1/enrollments", bytes.NewBufferString(`{"answers":{"q1":"yes"}}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Test-User", "user-1")
		resp := performRequest(router, req)
		require.Equal(t, http.StatusCreated, resp.Code)
		require.Contains(t, resp.Body.String(), `"status":"APPROVED"`)
	})

	t.Run("idempotent replay returns 200 with same row", func(t *testing.T) {
		body := `{"answers":{"q1":"yes"}}`
		req, _ := http.NewRequest(http.MethodPost, "/classes/class-1/enrollments", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Test-User", "user-2")
		req.Header.Set("Idempotency-Key", "retry-key")
		first := performRequest(router, req)
		require.Equal(t, http.StatusCreated, first.Code)

		req, _ = http.NewRequest(http.MethodPost, "/classes/class-1/enrollments", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Test-User", "user-2")
		req.Header.Set("Idempotency-Key", "retry-key")
		second := performRequest(router, req)
		require.Equal(t, http.StatusOK, second.Code)
	})

	t.Run("duplicate application conflicts", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, "/classes/class-1/enrollments", bytes.NewBufferString(`{}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Test-User", "user-1")
		resp := performRequest(router, req)
		require.Equal(t, http.StatusConflict, resp.Code)
		require.Contains(t, resp.Body.String(), "DUPLICATE_APPLICATION")
	})

	t.Run("stale answers version conflicts", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPut, "/enrollments/e-1/answers", bytes.NewBufferString(`{"answers":{"q1":"edited"},"expected_version":99}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Test-User", "user-1")
		resp := performRequest(router, req)
		require.Equal(t, http.StatusConflict, resp.Code)
		require.Contains(t, resp.Body.String(), "VERSION_CONFLICT")
	})

	t.Run("get hides other users enrollments", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, "/enrollments/e-1", nil)
		req.Header.Set("X-Test-User", "someone-else")
		resp := performRequest(router, req)
		require.Equal(t, http.StatusForbidden, resp.Code)
	})

	t.Run("unknown enrollment is 404", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, "/enrollments/missing", nil)
		req.Header.Set("X-Test-User", "user-1")
		resp := performRequest(router, req)
		require.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("decision requires admin", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPut, "/enrollments/e-1/decision", bytes.NewBufferString(`{"status":"REJECTED"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Test-User", "user-1")
		resp := performRequest(router, req)
		require.Equal(t, http.StatusForbidden, resp.Code)
	})

	t.Run("cancel own enrollment", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodDelete, "/enrollments/e-1", nil)
		req.Header.Set("X-Test-User", "user-1")
		resp := performRequest(router, req)
		require.Equal(t, http.StatusOK, resp.Code)
		require.Contains(t, resp.Body.String(), `"status":"CANCELED"`)
	})

	t.Run("stats are public shape", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, "/classes/class-1/enrollments/stats", nil)
		req.Header.Set("X-Test-User", "user-1")
		resp := performRequest(router, req)
		require.Equal(t, http.StatusOK, resp.Code)
		require.Contains(t, resp.Body.String(), `"class_id":"class-1"`)
	})
}
