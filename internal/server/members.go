package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type memberPayload struct {
	UserID          string `json:"user_id"`
	DisplayName     string `json:"display_name"`
	LastSeenSeconds int64  `json:"last_seen_s"`
}

type membersResponsePayload struct {
	WorkspaceID string          `json:"workspace_id"`
	Members     []memberPayload `json:"members"`
}

// handleListMembers lists the users a user-typed column may reference.
func (h *httpHandler) handleListMembers(c *gin.Context) {
	workspaceID := c.Param("workspace_id")
	members, err := h.members.ListMembers(c.Request.Context(), workspaceID)
	if err != nil {
		h.respondError(c, "list_members_failed", err)
		return
	}
	response := membersResponsePayload{
		WorkspaceID: workspaceID,
		Members:     make([]memberPayload, 0, len(members)),
	}
	for _, member := range members {
		response.Members = append(response.Members, memberPayload{
			UserID:          member.UserID,
			DisplayName:     member.DisplayName,
			LastSeenSeconds: member.LastSeenAt.Unix(),
		})
	}
	c.JSON(http.StatusOK, response)
}
