package documents

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew                  = "documents.service.new"
	opApplyCrdtUpdates            = "documents.apply_crdt_updates"
	opLoadDocument                = "documents.load_document"
	opListCrdtUpdates             = "documents.list_crdt_updates"
	fieldUserID                   = "user_id"
	fieldDocumentID               = "document_id"
	columnUpdateID                = "update_id"
	orderUpdateIDAsc              = columnUpdateID + " ASC"
	queryDocument                 = fieldDocumentID + " = ?"
	queryDocumentAfter            = fieldDocumentID + " = ? AND " + columnUpdateID + " > ?"
	queryDocumentHash             = fieldDocumentID + " = ? AND update_hash = ?"
	reasonMissingDatabase         = "missing_database"
	reasonUpdateHashFailed        = "update_hash_failed"
	reasonUpdateInsertFailed      = "update_insert_failed"
	reasonUpdateLookupFailed      = "update_lookup_failed"
	reasonUpdateIDInvalid         = "update_id_invalid"
	reasonSnapshotUpsertFailed    = "snapshot_upsert_failed"
	reasonQueryFailed             = "query_failed"
	reasonSnapshotPayloadInvalid  = "snapshot_payload_invalid"
	reasonSnapshotUpdateIDInvalid = "snapshot_update_id_invalid"
	reasonUpdatePayloadInvalid    = "update_payload_invalid"
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

// ServiceConfig configures the document store.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service persists CRDT change sets and snapshots per document.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// CrdtUpdateOutcome captures the stored outcome for a CRDT update.
type CrdtUpdateOutcome struct {
	documentID DocumentID
	updateID   CrdtUpdateID
	duplicate  bool
}

// DocumentID returns the associated document identifier.
func (outcome CrdtUpdateOutcome) DocumentID() DocumentID {
	return outcome.documentID
}

// UpdateID returns the stored update identifier.
func (outcome CrdtUpdateOutcome) UpdateID() CrdtUpdateID {
	return outcome.updateID
}

// Duplicate reports whether the update was already stored.
func (outcome CrdtUpdateOutcome) Duplicate() bool {
	return outcome.duplicate
}

// CrdtSyncResult aggregates outcomes for applied CRDT updates.
type CrdtSyncResult struct {
	UpdateOutcomes []CrdtUpdateOutcome
}

// CrdtUpdateRecord is a stored update returned for replay.
type CrdtUpdateRecord struct {
	documentID DocumentID
	updateID   CrdtUpdateID
	authorID   string
	updateB64  CrdtUpdateBase64
}

// DocumentID returns the update document identifier.
func (record CrdtUpdateRecord) DocumentID() DocumentID {
	return record.documentID
}

// UpdateID returns the update identifier.
func (record CrdtUpdateRecord) UpdateID() CrdtUpdateID {
	return record.updateID
}

// AuthorID returns the id of the user or process that wrote the update.
func (record CrdtUpdateRecord) AuthorID() string {
	return record.authorID
}

// UpdateB64 returns the update payload.
func (record CrdtUpdateRecord) UpdateB64() CrdtUpdateBase64 {
	return record.updateB64
}

// DocumentState is everything needed to rebuild a document: the latest
// snapshot, if any, and the updates stored after it.
type DocumentState struct {
	DocumentID       DocumentID
	Snapshot         CrdtSnapshotBase64
	SnapshotUpdateID CrdtUpdateID
	Updates          []CrdtUpdateRecord
}

// LastUpdateID returns the highest update id covered by the state.
func (state DocumentState) LastUpdateID() CrdtUpdateID {
	if count := len(state.Updates); count > 0 {
		return state.Updates[count-1].UpdateID()
	}
	return state.SnapshotUpdateID
}

// ApplyCrdtUpdates stores updates authored by userID in one transaction.
// Re-sent updates are detected by payload hash and reported as duplicates.
// An envelope snapshot replaces the stored one when it covers a newer update.
func (service *Service) ApplyCrdtUpdates(ctx context.Context, userID UserID, updates []CrdtUpdateEnvelope) (CrdtSyncResult, error) {
	if service.db == nil {
		service.logError(opApplyCrdtUpdates, reasonMissingDatabase, errMissingDatabase)
		return CrdtSyncResult{}, newServiceError(opApplyCrdtUpdates, reasonMissingDatabase, errMissingDatabase)
	}

	result := CrdtSyncResult{UpdateOutcomes: make([]CrdtUpdateOutcome, 0, len(updates))}
	if len(updates) == 0 {
		return result, nil
	}

	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		for _, update := range updates {
			documentID := update.DocumentID().String()
			updateHash, hashErr := hashCrdtPayload(update.UpdateB64().String())
			if hashErr != nil {
				service.logError(opApplyCrdtUpdates, reasonUpdateHashFailed, hashErr,
					zap.String(fieldUserID, userID.String()),
					zap.String(fieldDocumentID, documentID))
				return newServiceError(opApplyCrdtUpdates, reasonUpdateHashFailed, hashErr)
			}

			model := CrdtUpdate{
				DocumentID:       documentID,
				AuthorID:         userID.String(),
				UpdateB64:        update.UpdateB64().String(),
				UpdateHash:       updateHash,
				AppliedAtSeconds: service.clock().UTC().Unix(),
			}
			createResult := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
			if createResult.Error != nil {
				service.logError(opApplyCrdtUpdates, reasonUpdateInsertFailed, createResult.Error,
					zap.String(fieldUserID, userID.String()),
					zap.String(fieldDocumentID, documentID))
				return newServiceError(opApplyCrdtUpdates, reasonUpdateInsertFailed, createResult.Error)
			}

			duplicate := createResult.RowsAffected == 0
			updateID := model.UpdateID
			if duplicate {
				var existing CrdtUpdate
				err := transaction.Select(columnUpdateID).
					Where(queryDocumentHash, documentID, updateHash).
					Take(&existing).Error
				if err != nil {
					service.logError(opApplyCrdtUpdates, reasonUpdateLookupFailed, err,
						zap.String(fieldDocumentID, documentID))
					return newServiceError(opApplyCrdtUpdates, reasonUpdateLookupFailed, err)
				}
				updateID = existing.UpdateID
			}

			updateIDDomain, idErr := NewCrdtUpdateID(updateID)
			if idErr != nil {
				service.logError(opApplyCrdtUpdates, reasonUpdateIDInvalid, idErr,
					zap.String(fieldDocumentID, documentID))
				return newServiceError(opApplyCrdtUpdates, reasonUpdateIDInvalid, idErr)
			}
			result.UpdateOutcomes = append(result.UpdateOutcomes, CrdtUpdateOutcome{
				documentID: update.DocumentID(),
				updateID:   updateIDDomain,
				duplicate:  duplicate,
			})

			if update.SnapshotB64() == "" {
				continue
			}
			if snapshotErr := service.upsertCrdtSnapshot(transaction, update.DocumentID(), update.SnapshotB64(), updateID); snapshotErr != nil {
				service.logError(opApplyCrdtUpdates, reasonSnapshotUpsertFailed, snapshotErr,
					zap.String(fieldDocumentID, documentID))
				return newServiceError(opApplyCrdtUpdates, reasonSnapshotUpsertFailed, snapshotErr)
			}
		}
		return nil
	})

	if transactionError != nil {
		return CrdtSyncResult{}, transactionError
	}
	return result, nil
}

// LoadDocument returns the latest snapshot and every update stored after it.
// A document with no history yields an empty state.
func (service *Service) LoadDocument(ctx context.Context, documentID DocumentID) (DocumentState, error) {
	if service.db == nil {
		service.logError(opLoadDocument, reasonMissingDatabase, errMissingDatabase)
		return DocumentState{}, newServiceError(opLoadDocument, reasonMissingDatabase, errMissingDatabase)
	}

	state := DocumentState{DocumentID: documentID}
	var snapshot CrdtSnapshot
	err := service.db.WithContext(ctx).Where(queryDocument, documentID.String()).Take(&snapshot).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		service.logError(opLoadDocument, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return DocumentState{}, newServiceError(opLoadDocument, reasonQueryFailed, err)
	default:
		snapshotB64, snapErr := NewCrdtSnapshotBase64(snapshot.SnapshotB64)
		if snapErr != nil {
			service.logError(opLoadDocument, reasonSnapshotPayloadInvalid, snapErr, zap.String(fieldDocumentID, documentID.String()))
			return DocumentState{}, newServiceError(opLoadDocument, reasonSnapshotPayloadInvalid, snapErr)
		}
		snapshotUpdateID, idErr := NewCrdtUpdateID(snapshot.SnapshotUpdateID)
		if idErr != nil {
			service.logError(opLoadDocument, reasonSnapshotUpdateIDInvalid, idErr, zap.String(fieldDocumentID, documentID.String()))
			return DocumentState{}, newServiceError(opLoadDocument, reasonSnapshotUpdateIDInvalid, idErr)
		}
		state.Snapshot = snapshotB64
		state.SnapshotUpdateID = snapshotUpdateID
	}

	updates, err := service.listUpdates(ctx, opLoadDocument, documentID, state.SnapshotUpdateID)
	if err != nil {
		return DocumentState{}, err
	}
	state.Updates = updates
	return state, nil
}

// ListCrdtUpdates returns the updates stored after the given update id.
func (service *Service) ListCrdtUpdates(ctx context.Context, documentID DocumentID, after CrdtUpdateID) ([]CrdtUpdateRecord, error) {
	if service.db == nil {
		service.logError(opListCrdtUpdates, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListCrdtUpdates, reasonMissingDatabase, errMissingDatabase)
	}
	return service.listUpdates(ctx, opListCrdtUpdates, documentID, after)
}

func (service *Service) listUpdates(ctx context.Context, operation string, documentID DocumentID, after CrdtUpdateID) ([]CrdtUpdateRecord, error) {
	var updates []CrdtUpdate
	if err := service.db.WithContext(ctx).
		Where(queryDocumentAfter, documentID.String(), after.Int64()).
		Order(orderUpdateIDAsc).
		Find(&updates).Error; err != nil {
		service.logError(operation, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, newServiceError(operation, reasonQueryFailed, err)
	}

	records := make([]CrdtUpdateRecord, 0, len(updates))
	for _, update := range updates {
		updateID, idErr := NewCrdtUpdateID(update.UpdateID)
		if idErr != nil {
			service.logError(operation, reasonUpdateIDInvalid, idErr, zap.String(fieldDocumentID, update.DocumentID))
			return nil, newServiceError(operation, reasonUpdateIDInvalid, idErr)
		}
		updateB64, updateErr := NewCrdtUpdateBase64(update.UpdateB64)
		if updateErr != nil {
			service.logError(operation, reasonUpdatePayloadInvalid, updateErr, zap.String(fieldDocumentID, update.DocumentID))
			return nil, newServiceError(operation, reasonUpdatePayloadInvalid, updateErr)
		}
		records = append(records, CrdtUpdateRecord{
			documentID: documentID,
			updateID:   updateID,
			authorID:   update.AuthorID,
			updateB64:  updateB64,
		})
	}
	return records, nil
}

func (service *Service) upsertCrdtSnapshot(transaction *gorm.DB, documentID DocumentID, snapshot CrdtSnapshotBase64, snapshotUpdateID int64) error {
	var existing CrdtSnapshot
	err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryDocument, documentID.String()).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return transaction.Create(&CrdtSnapshot{
			DocumentID:       documentID.String(),
			SnapshotB64:      snapshot.String(),
			SnapshotUpdateID: snapshotUpdateID,
		}).Error
	}
	if err != nil {
		return err
	}
	if snapshotUpdateID < existing.SnapshotUpdateID {
		return nil
	}
	existing.SnapshotB64 = snapshot.String()
	existing.SnapshotUpdateID = snapshotUpdateID
	return transaction.Save(&existing).Error
}

func hashCrdtPayload(payload string) (string, error) {
	rawBytes, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(rawBytes)
	return hex.EncodeToString(sum[:]), nil
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.logger.Error("documents service error", attrs...)
}
