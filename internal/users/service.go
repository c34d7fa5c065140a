package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/tablesync/internal/auth"
)

// DefaultWorkspaceID is used when a session carries no workspace claim.
const DefaultWorkspaceID = "default"

// ErrInvalidMember indicates the claims did not contain a usable user id.
var ErrInvalidMember = errors.New("users: invalid member")

// ServiceConfig describes the dependencies required for the member directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service maintains the workspace member directory.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the member directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Touch records the session's user as a member of its workspace. Repeated
// calls with an unchanged display name are served from memory.
func (s *Service) Touch(ctx context.Context, claims auth.SessionClaims) (Member, error) {
	workspaceID, userID := deriveMember(claims)
	if userID == "" {
		return Member{}, ErrInvalidMember
	}
	displayName := normalize(claims.UserDisplayName)

	cacheKey := workspaceID + "\x00" + userID
	if cached, ok := s.cache.Load(cacheKey); ok {
		if member, ok := cached.(Member); ok && (displayName == "" || displayName == member.DisplayName) {
			return member, nil
		}
	}

	member := Member{
		WorkspaceID: workspaceID,
		UserID:      userID,
		DisplayName: displayName,
		LastSeenAt:  s.now().UTC(),
	}
	updated := []string{"last_seen_at"}
	if displayName != "" {
		updated = append(updated, "user_display_name")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns(updated),
	}).Create(&member).Error
	if err != nil {
		return Member{}, err
	}

	var stored Member
	if err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND user_id = ?", workspaceID, userID).
		Take(&stored).Error; err != nil {
		return Member{}, err
	}
	s.cache.Store(cacheKey, stored)
	return stored, nil
}

// ListMembers returns the members of a workspace ordered by display name.
func (s *Service) ListMembers(ctx context.Context, workspaceID string) ([]Member, error) {
	workspaceID = normalize(workspaceID)
	if workspaceID == "" {
		workspaceID = DefaultWorkspaceID
	}
	var members []Member
	err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("user_display_name ASC, user_id ASC").
		Find(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}

func deriveMember(claims auth.SessionClaims) (string, string) {
	workspaceID := normalize(claims.WorkspaceID)
	if workspaceID == "" {
		workspaceID = DefaultWorkspaceID
	}
	userID := normalize(claims.UserID)
	if userID == "" {
		userID = normalize(claims.Subject)
	}
	return workspaceID, userID
}
