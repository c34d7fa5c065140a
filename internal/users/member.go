package users

import (
	"strings"
	"time"
)

// Member records that a user has been active in a workspace. Columns of the
// user data type hold member user ids.
type Member struct {
	WorkspaceID string    `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing workspace members.
func (Member) TableName() string {
	return "workspace_members"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
