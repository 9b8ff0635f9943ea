package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/class-admission-api/internal/models"
	appErrors "github.com/noah-isme/class-admission-api/pkg/errors"
	"github.com/noah-isme/class-admission-api/pkg/export"
)

// RosterFormat enumerates supported roster export formats.
type RosterFormat string

const (
	RosterFormatCSV RosterFormat = "csv"
	RosterFormatPDF RosterFormat = "pdf"
)

type rosterReader interface {
	RosterByClass(ctx context.Context, classID string) ([]models.Enrollment, error)
}

type classReader interface {
	FindByID(ctx context.Context, id string) (*models.Class, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// RosterExport carries a rendered roster and its download metadata.
type RosterExport struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ExportService renders the enrollment roster of a class for download.
type ExportService struct {
	enrollments rosterReader
	classes     classReader
	csv         csvRenderer
	pdf         pdfRenderer
	logger      *zap.Logger
}

// NewExportService constructs an ExportService.
func NewExportService(enrollments rosterReader, classes classReader, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{
		enrollments: enrollments,
		classes:     classes,
		csv:         export.NewCSVExporter(),
		pdf:         export.NewPDFExporter(),
		logger:      logger,
	}
}

var rosterHeaders = []string{"Enrollment ID", "User ID", "Status", "Applied At", "Decided At", "Decided By"}

// RenderRoster renders the class roster in the requested format.
func (s *ExportService) RenderRoster(ctx context.Context, classID string, format RosterFormat) (*RosterExport, error) {
	class, err := s.classes.FindByID(ctx, classID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "class not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
	}

	enrollments, err := s.enrollments.RosterByClass(ctx, classID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster")
	}

	dataset := export.Dataset{Headers: rosterHeaders, Rows: make([]map[string]string, 0, len(enrollments))}
	for _, e := range enrollments {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Enrollment ID": e.ID,
			"User ID":       e.UserID,
			"Status":        string(e.Status),
			"Applied At":    e.AppliedAt.Format(time.RFC3339),
			"Decided At":    formatTimePtr(e.DecidedAt),
			"Decided By":    stringPtrOrEmpty(e.DecidedBy),
		})
	}

	base := fmt.Sprintf("roster-%s-%s", sanitizeFilename(class.Name), time.Now().UTC().Format("20060102"))
	switch format {
	case RosterFormatCSV:
		data, err := s.csv.Render(dataset)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
		}
		return &RosterExport{Filename: base + ".csv", ContentType: "text/csv", Data: data}, nil
	case RosterFormatPDF:
		data, err := s.pdf.Render(dataset, "Enrollment Roster: "+class.Name)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf")
		}
		return &RosterExport{Filename: base + ".pdf", ContentType: "application/pdf", Data: data}, nil
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "unsupported export format: "+string(format))
	}
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func stringPtrOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func sanitizeFilename(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	replacer := strings.NewReplacer(" ", "-", "/", "-", "\\", "-")
	return replacer.Replace(name)
}
