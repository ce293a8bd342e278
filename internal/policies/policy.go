// Package policies stores insurance policies in MongoDB.
package policies

import (
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	// ErrNotFound is returned when no live policy has the requested number.
	ErrNotFound = errors.New("policies: policy not found")
	// ErrDuplicate is returned when creating a policy whose number exists.
	ErrDuplicate = errors.New("policies: policy number already exists")
	// ErrFieldNotEditable is returned for fields outside the edit whitelist.
	ErrFieldNotEditable = errors.New("policies: field is not editable")
	// ErrInvalidValue is returned when a new field value fails validation.
	ErrInvalidValue = errors.New("policies: invalid value")
)

// Payment is one premium payment recorded against a policy.
type Payment struct {
	Amount     float64   `bson:"amount"`
	Date       time.Time `bson:"date"`
	RecordedBy int64     `bson:"recorded_by"`
	RecordedAt time.Time `bson:"recorded_at"`
}

// Service is one assistance service (tow, roadside help) used under a policy.
type Service struct {
	Description string    `bson:"description"`
	Date        time.Time `bson:"date"`
	RecordedBy  int64     `bson:"recorded_by"`
	RecordedAt  time.Time `bson:"recorded_at"`
}

// Policy is an insurance policy document.
type Policy struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	Number      string             `bson:"number"`
	Holder      string             `bson:"holder"`
	Phone       *string            `bson:"phone,omitempty"`
	Origin      *string            `bson:"origin,omitempty"`
	Destination *string            `bson:"destination,omitempty"`
	Insurer     string             `bson:"insurer"`
	StartDate   time.Time          `bson:"start_date"`
	Payments    []Payment          `bson:"payments"`
	Services    []Service          `bson:"services"`
	Deleted     bool               `bson:"deleted"`
	DeletedAt   *time.Time         `bson:"deleted_at,omitempty"`
	DeleteBatch string             `bson:"delete_batch,omitempty"`
	CreatedAt   time.Time          `bson:"created_at"`
	UpdatedAt   time.Time          `bson:"updated_at"`
}

// TotalPaid sums the recorded payments.
func (p *Policy) TotalPaid() float64 {
	var total float64
	for _, pay := range p.Payments {
		total += pay.Amount
	}
	return total
}

// LastPayment returns the most recent payment by date.
func (p *Policy) LastPayment() (Payment, bool) {
	var (
		last  Payment
		found bool
	)
	for _, pay := range p.Payments {
		if !found || pay.Date.After(last.Date) {
			last, found = pay, true
		}
	}
	return last, found
}

// Stats summarises the collection.
type Stats struct {
	Active        int
	Deleted       int
	Payments      int
	Services      int
	TotalPaid     float64
	ByInsurer     map[string]int
	CreatedLast30 int
}

// NormalizeNumber canonicalises a typed policy number: trimmed, upper case,
// inner whitespace removed.
func NormalizeNumber(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}

// Field is an editable policy attribute.
type Field string

// Editable fields, in the order the edit menu lists them.
const (
	FieldHolder      Field = "holder"
	FieldPhone       Field = "phone"
	FieldOrigin      Field = "origin"
	FieldDestination Field = "destination"
	FieldInsurer     Field = "insurer"
	FieldStartDate   Field = "start_date"
)

// EditableFields lists the whitelist with user-facing labels.
var EditableFields = []struct {
	Field Field
	Label string
}{
	{FieldHolder, "Titular"},
	{FieldPhone, "Teléfono"},
	{FieldOrigin, "Origen"},
	{FieldDestination, "Destino"},
	{FieldInsurer, "Aseguradora"},
	{FieldStartDate, "Fecha de inicio"},
}

// ParseField validates a field name against the whitelist.
func ParseField(s string) (Field, error) {
	f := Field(strings.ToLower(strings.TrimSpace(s)))
	for _, ef := range EditableFields {
		if ef.Field == f {
			return f, nil
		}
	}
	return "", ErrFieldNotEditable
}

// Label returns the user-facing name of f.
func (f Field) Label() string {
	for _, ef := range EditableFields {
		if ef.Field == f {
			return ef.Label
		}
	}
	return string(f)
}
