package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// FormQuestion is one question on an application form. Only required-answer
// presence is enforced here; semantic validation belongs to the form
// collaborator.
type FormQuestion struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
}

// QuestionList stores form questions as a JSONB column.
type QuestionList []FormQuestion

// Value implements driver.Valuer.
func (q QuestionList) Value() (driver.Value, error) {
	return json.Marshal(q)
}

// Scan implements sql.Scanner.
func (q *QuestionList) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*q = nil
		return nil
	case []byte:
		return json.Unmarshal(v, q)
	case string:
		return json.Unmarshal([]byte(v), q)
	default:
		return fmt.Errorf("unsupported question list type %T", src)
	}
}

// ApplicationForm is the active question set linked to a class.
type ApplicationForm struct {
	ID        string       `db:"id" json:"id"`
	ClassID   string       `db:"class_id" json:"class_id"`
	Questions QuestionList `db:"questions" json:"questions"`
	Active    bool         `db:"active" json:"active"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}
