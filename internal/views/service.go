package views

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/tablesync/internal/rank"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrViewNotFound indicates that the view does not exist.
	ErrViewNotFound = errors.New("views: view not found")
	// ErrPropertyNotFound indicates that the property does not exist in the view.
	ErrPropertyNotFound = errors.New("views: property not found")
	noOpLogger          = zap.NewNop()
)

const (
	opServiceNew      = "views.service.new"
	opCreateView      = "views.create_view"
	opGetView         = "views.get_view"
	opAddProperty     = "views.add_property"
	opMoveProperty    = "views.move_property"
	opRenameProperty  = "views.rename_property"
	opDeleteProperty  = "views.delete_property"
	opListProperties  = "views.list_properties"
	fieldViewID       = "view_id"
	fieldPropertyID   = "property_id"
	queryViewID       = fieldViewID + " = ?"
	queryViewProperty = fieldViewID + " = ? AND " + fieldPropertyID + " = ?"
	orderByRank       = "order_rank ASC, property_id ASC"

	reasonMissingDatabase = "missing_database"
	reasonInvalidInput    = "invalid_input"
	reasonIDFailed        = "id_generation_failed"
	reasonInsertFailed    = "insert_failed"
	reasonQueryFailed     = "query_failed"
	reasonUpdateFailed    = "update_failed"
	reasonDeleteFailed    = "delete_failed"
	reasonRankFailed      = "rank_failed"
	reasonNotFound        = "not_found"
)

// ServiceError carries a stable operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues identifiers for views and properties.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig configures the view property service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service manages views and their ranked properties.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateView stores a new view over a table.
func (s *Service) CreateView(ctx context.Context, tableID string, kind ViewKind, name string) (View, error) {
	tableID = strings.TrimSpace(tableID)
	if tableID == "" {
		return View{}, newServiceError(opCreateView, reasonInvalidInput, errors.New("table id is required"))
	}
	if _, err := ParseViewKind(string(kind)); err != nil {
		return View{}, newServiceError(opCreateView, reasonInvalidInput, err)
	}
	viewID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateView, reasonIDFailed, err)
		return View{}, newServiceError(opCreateView, reasonIDFailed, err)
	}
	view := View{
		ViewID:           viewID,
		TableID:          tableID,
		Kind:             string(kind),
		Name:             strings.TrimSpace(name),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&view).Error; err != nil {
		s.logError(opCreateView, reasonInsertFailed, err, zap.String("table_id", tableID))
		return View{}, newServiceError(opCreateView, reasonInsertFailed, err)
	}
	return view, nil
}

// GetView loads a view by id.
func (s *Service) GetView(ctx context.Context, viewID ViewID) (View, error) {
	return s.loadView(ctx, s.db, opGetView, viewID)
}

// AddProperty appends a property after every existing one.
func (s *Service) AddProperty(ctx context.Context, viewID ViewID, spec PropertySpec) (Property, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return Property{}, newServiceError(opAddProperty, reasonInvalidInput, ErrInvalidPropertyName)
	}
	propertyID := spec.PropertyID
	if propertyID == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opAddProperty, reasonIDFailed, err, zap.String(fieldViewID, viewID.String()))
			return Property{}, newServiceError(opAddProperty, reasonIDFailed, err)
		}
		propertyID = PropertyID(generated)
	}

	var created Property
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		view, err := s.loadView(ctx, transaction, opAddProperty, viewID)
		if err != nil {
			return err
		}
		existing, err := s.queryProperties(transaction, opAddProperty, viewID)
		if err != nil {
			return err
		}
		ranks := make([]string, 0, len(existing))
		for _, property := range existing {
			ranks = append(ranks, property.Order)
		}
		order, err := rank.NextAfterLast(ranks)
		if err != nil {
			s.logError(opAddProperty, reasonRankFailed, err, zap.String(fieldViewID, viewID.String()))
			return newServiceError(opAddProperty, reasonRankFailed, err)
		}
		created = Property{
			ViewID:           viewID.String(),
			PropertyID:       propertyID.String(),
			Name:             name,
			Order:            order,
			Visible:          spec.Visible,
			Width:            spec.Width,
			DateField:        spec.DateField && view.Kind == string(ViewKindCalendar),
			GroupBy:          spec.GroupBy && view.Kind == string(ViewKindKanban),
			UpdatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := transaction.Create(&created).Error; err != nil {
			s.logError(opAddProperty, reasonInsertFailed, err,
				zap.String(fieldViewID, viewID.String()),
				zap.String(fieldPropertyID, propertyID.String()))
			return newServiceError(opAddProperty, reasonInsertFailed, err)
		}
		return nil
	})
	if err != nil {
		return Property{}, err
	}
	return created, nil
}

// MoveProperty places propertyID directly before beforeID, or last when
// beforeID is empty. Properties sharing a rank are respaced first. When no
// rank can be allocated the order is left as is.
// The returned list is the view's properties in display order.
func (s *Service) MoveProperty(ctx context.Context, viewID ViewID, propertyID, beforeID PropertyID) ([]Property, error) {
	var ordered []Property
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		properties, err := s.queryProperties(transaction, opMoveProperty, viewID)
		if err != nil {
			return err
		}
		moved := indexOf(properties, propertyID)
		if moved < 0 {
			return newServiceError(opMoveProperty, reasonNotFound, ErrPropertyNotFound)
		}

		items := make([]rank.Item, 0, len(properties))
		for _, property := range properties {
			items = append(items, rank.Item{ID: property.PropertyID, Order: property.Order})
		}
		items, err = s.respaceTies(transaction, viewID, items)
		if err != nil {
			return err
		}
		order, ok := rank.RecomputeAfterMove(items, propertyID.String(), beforeID.String())
		if !ok {
			s.logger.Debug("property move skipped",
				zap.String(fieldViewID, viewID.String()),
				zap.String(fieldPropertyID, propertyID.String()),
				zap.String("before_id", beforeID.String()))
			ordered, err = s.queryProperties(transaction, opMoveProperty, viewID)
			return err
		}

		updated := transaction.Model(&Property{}).
			Where(queryViewProperty, viewID.String(), propertyID.String()).
			Updates(map[string]any{"order_rank": order, "updated_at_s": s.clock().UTC().Unix()})
		if updated.Error != nil {
			s.logError(opMoveProperty, reasonUpdateFailed, updated.Error,
				zap.String(fieldViewID, viewID.String()),
				zap.String(fieldPropertyID, propertyID.String()))
			return newServiceError(opMoveProperty, reasonUpdateFailed, updated.Error)
		}
		ordered, err = s.queryProperties(transaction, opMoveProperty, viewID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ordered, nil
}

// RenameProperty changes the display name of a property.
func (s *Service) RenameProperty(ctx context.Context, viewID ViewID, propertyID PropertyID, name string) (Property, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Property{}, newServiceError(opRenameProperty, reasonInvalidInput, ErrInvalidPropertyName)
	}
	var renamed Property
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Where(queryViewProperty, viewID.String(), propertyID.String()).Take(&renamed).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opRenameProperty, reasonNotFound, ErrPropertyNotFound)
			}
			s.logError(opRenameProperty, reasonQueryFailed, err, zap.String(fieldViewID, viewID.String()))
			return newServiceError(opRenameProperty, reasonQueryFailed, err)
		}
		renamed.Name = name
		renamed.UpdatedAtSeconds = s.clock().UTC().Unix()
		if err := transaction.Save(&renamed).Error; err != nil {
			s.logError(opRenameProperty, reasonUpdateFailed, err,
				zap.String(fieldViewID, viewID.String()),
				zap.String(fieldPropertyID, propertyID.String()))
			return newServiceError(opRenameProperty, reasonUpdateFailed, err)
		}
		return nil
	})
	if err != nil {
		return Property{}, err
	}
	return renamed, nil
}

// DeleteProperty removes a property. The remaining ranks are untouched.
func (s *Service) DeleteProperty(ctx context.Context, viewID ViewID, propertyID PropertyID) error {
	result := s.db.WithContext(ctx).
		Where(queryViewProperty, viewID.String(), propertyID.String()).
		Delete(&Property{})
	if result.Error != nil {
		s.logError(opDeleteProperty, reasonDeleteFailed, result.Error,
			zap.String(fieldViewID, viewID.String()),
			zap.String(fieldPropertyID, propertyID.String()))
		return newServiceError(opDeleteProperty, reasonDeleteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDeleteProperty, reasonNotFound, ErrPropertyNotFound)
	}
	return nil
}

// ListProperties returns the view's properties in display order.
func (s *Service) ListProperties(ctx context.Context, viewID ViewID) ([]Property, error) {
	return s.queryProperties(s.db.WithContext(ctx), opListProperties, viewID)
}

func (s *Service) loadView(ctx context.Context, database *gorm.DB, operation string, viewID ViewID) (View, error) {
	var view View
	if err := database.WithContext(ctx).Where(queryViewID, viewID.String()).Take(&view).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return View{}, newServiceError(operation, reasonNotFound, ErrViewNotFound)
		}
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldViewID, viewID.String()))
		return View{}, newServiceError(operation, reasonQueryFailed, err)
	}
	return view, nil
}

func (s *Service) queryProperties(database *gorm.DB, operation string, viewID ViewID) ([]Property, error) {
	var properties []Property
	if err := database.Where(queryViewID, viewID.String()).Order(orderByRank).Find(&properties).Error; err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldViewID, viewID.String()))
		return nil, newServiceError(operation, reasonQueryFailed, err)
	}
	return properties, nil
}

// respaceTies persists distinct ranks for properties that share one and
// returns items with the new ranks applied.
func (s *Service) respaceTies(transaction *gorm.DB, viewID ViewID, items []rank.Item) ([]rank.Item, error) {
	changed, err := rank.Respace(items)
	if err != nil {
		s.logError(opMoveProperty, reasonRankFailed, err, zap.String(fieldViewID, viewID.String()))
		return nil, newServiceError(opMoveProperty, reasonRankFailed, err)
	}
	if len(changed) == 0 {
		return items, nil
	}
	respaced := make(map[string]string, len(changed))
	for _, item := range changed {
		updated := transaction.Model(&Property{}).
			Where(queryViewProperty, viewID.String(), item.ID).
			Update("order_rank", item.Order)
		if updated.Error != nil {
			s.logError(opMoveProperty, reasonUpdateFailed, updated.Error,
				zap.String(fieldViewID, viewID.String()),
				zap.String(fieldPropertyID, item.ID))
			return nil, newServiceError(opMoveProperty, reasonUpdateFailed, updated.Error)
		}
		respaced[item.ID] = item.Order
	}
	result := make([]rank.Item, 0, len(items))
	for _, item := range items {
		if order, ok := respaced[item.ID]; ok {
			item.Order = order
		}
		result = append(result, item)
	}
	s.logger.Debug("property ranks respaced",
		zap.String(fieldViewID, viewID.String()),
		zap.Int("count", len(changed)))
	return result, nil
}

func indexOf(properties []Property, propertyID PropertyID) int {
	for index, property := range properties {
		if property.PropertyID == propertyID.String() {
			return index
		}
	}
	return -1
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("views service error", attrs...)
}
