package views

import (
	"errors"
	"fmt"
	"strings"
)

// ViewKind enumerates how a view lays out its items.
type ViewKind string

const (
	ViewKindCalendar ViewKind = "calendar"
	ViewKindKanban   ViewKind = "kanban"
	ViewKindList     ViewKind = "list"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidViewKind indicates an unknown view kind.
	ErrInvalidViewKind = errors.New("views: invalid view kind")
	// ErrInvalidViewID indicates that a view identifier is empty or exceeds storage bounds.
	ErrInvalidViewID = errors.New("views: invalid view id")
	// ErrInvalidPropertyID indicates that a property identifier is empty or exceeds storage bounds.
	ErrInvalidPropertyID = errors.New("views: invalid property id")
	// ErrInvalidPropertyName indicates that a property name is empty.
	ErrInvalidPropertyName = errors.New("views: invalid property name")
)

// ParseViewKind validates raw input and returns a ViewKind.
func ParseViewKind(rawInput string) (ViewKind, error) {
	candidate := ViewKind(strings.ToLower(strings.TrimSpace(rawInput)))
	switch candidate {
	case ViewKindCalendar, ViewKindKanban, ViewKindList:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidViewKind, rawInput)
	}
}

// ViewID represents a validated view identifier.
type ViewID string

// NewViewID validates raw input and returns a ViewID.
func NewViewID(rawInput string) (ViewID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidViewID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidViewID, maxIdentifierLength)
	}
	return ViewID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ViewID) String() string {
	return string(id)
}

// PropertyID represents a validated property identifier.
type PropertyID string

// NewPropertyID validates raw input and returns a PropertyID.
func NewPropertyID(rawInput string) (PropertyID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPropertyID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPropertyID, maxIdentifierLength)
	}
	return PropertyID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PropertyID) String() string {
	return string(id)
}

// View stores one calendar, kanban or list view over a table.
type View struct {
	ViewID           string `gorm:"column:view_id;primaryKey;size:190"`
	TableID          string `gorm:"column:table_id;size:190;not null;index"`
	Kind             string `gorm:"column:kind;size:32;not null"`
	Name             string `gorm:"column:name;size:255;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (View) TableName() string {
	return "views"
}

// Property stores one ranked property shown by a view. Order is a rank
// string; ties between concurrently assigned ranks fall back to PropertyID.
type Property struct {
	ViewID           string `gorm:"column:view_id;primaryKey;size:190"`
	PropertyID       string `gorm:"column:property_id;primaryKey;size:190"`
	Name             string `gorm:"column:name;size:255;not null"`
	Order            string `gorm:"column:order_rank;size:255;not null;index"`
	Visible          bool   `gorm:"column:visible;not null"`
	Width            int    `gorm:"column:width;not null;default:0"`
	DateField        bool   `gorm:"column:date_field;not null;default:false"`
	GroupBy          bool   `gorm:"column:group_by;not null;default:false"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Property) TableName() string {
	return "view_properties"
}

// PropertySpec describes a property to append to a view. DateField is only
// honored by calendar views and GroupBy only by kanban views.
type PropertySpec struct {
	PropertyID PropertyID
	Name       string
	Visible    bool
	Width      int
	DateField  bool
	GroupBy    bool
}
