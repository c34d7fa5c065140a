package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/tablesync/internal/views"
)

type createViewRequestPayload struct {
	TableID string `json:"table_id"`
	Kind    string `json:"kind"`
	Name    string `json:"name"`
}

type viewPayload struct {
	ViewID           string `json:"view_id"`
	TableID          string `json:"table_id"`
	Kind             string `json:"kind"`
	Name             string `json:"name"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

type addPropertyRequestPayload struct {
	PropertyID string `json:"property_id"`
	Name       string `json:"name"`
	Visible    *bool  `json:"visible"`
	Width      int    `json:"width"`
	DateField  bool   `json:"date_field"`
	GroupBy    bool   `json:"group_by"`
}

type movePropertyRequestPayload struct {
	BeforeID string `json:"before_id"`
}

type renamePropertyRequestPayload struct {
	Name string `json:"name"`
}

type propertyPayload struct {
	PropertyID       string `json:"property_id"`
	Name             string `json:"name"`
	Order            string `json:"order"`
	Visible          bool   `json:"visible"`
	Width            int    `json:"width"`
	DateField        bool   `json:"date_field"`
	GroupBy          bool   `json:"group_by"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

type propertiesResponsePayload struct {
	ViewID     string            `json:"view_id"`
	Properties []propertyPayload `json:"properties"`
}

func newViewPayload(view views.View) viewPayload {
	return viewPayload{
		ViewID:           view.ViewID,
		TableID:          view.TableID,
		Kind:             view.Kind,
		Name:             view.Name,
		CreatedAtSeconds: view.CreatedAtSeconds,
	}
}

func newPropertyPayload(property views.Property) propertyPayload {
	return propertyPayload{
		PropertyID:       property.PropertyID,
		Name:             property.Name,
		Order:            property.Order,
		Visible:          property.Visible,
		Width:            property.Width,
		DateField:        property.DateField,
		GroupBy:          property.GroupBy,
		UpdatedAtSeconds: property.UpdatedAtSeconds,
	}
}

func newPropertiesResponse(viewID views.ViewID, properties []views.Property) propertiesResponsePayload {
	response := propertiesResponsePayload{
		ViewID:     viewID.String(),
		Properties: make([]propertyPayload, 0, len(properties)),
	}
	for _, property := range properties {
		response.Properties = append(response.Properties, newPropertyPayload(property))
	}
	return response
}

func (h *httpHandler) viewIDParam(c *gin.Context) (views.ViewID, bool) {
	viewID, err := views.NewViewID(c.Param("view_id"))
	if err != nil {
		h.respondError(c, "invalid_view_id", err)
		return "", false
	}
	return viewID, true
}

func (h *httpHandler) propertyIDParam(c *gin.Context) (views.PropertyID, bool) {
	propertyID, err := views.NewPropertyID(c.Param("property_id"))
	if err != nil {
		h.respondError(c, "invalid_property_id", err)
		return "", false
	}
	return propertyID, true
}

func (h *httpHandler) handleCreateView(c *gin.Context) {
	var request createViewRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	kind, err := views.ParseViewKind(request.Kind)
	if err != nil {
		h.respondError(c, "invalid_view_kind", err)
		return
	}
	view, err := h.views.CreateView(c.Request.Context(), request.TableID, kind, request.Name)
	if err != nil {
		h.respondError(c, "create_view_failed", err)
		return
	}
	c.JSON(http.StatusCreated, newViewPayload(view))
}

func (h *httpHandler) handleGetView(c *gin.Context) {
	viewID, ok := h.viewIDParam(c)
	if !ok {
		return
	}
	view, err := h.views.GetView(c.Request.Context(), viewID)
	if err != nil {
		h.respondError(c, "get_view_failed", err)
		return
	}
	c.JSON(http.StatusOK, newViewPayload(view))
}

func (h *httpHandler) handleListProperties(c *gin.Context) {
	viewID, ok := h.viewIDParam(c)
	if !ok {
		return
	}
	properties, err := h.views.ListProperties(c.Request.Context(), viewID)
	if err != nil {
		h.respondError(c, "list_properties_failed", err)
		return
	}
	c.JSON(http.StatusOK, newPropertiesResponse(viewID, properties))
}

func (h *httpHandler) handleAddProperty(c *gin.Context) {
	viewID, ok := h.viewIDParam(c)
	if !ok {
		return
	}
	var request addPropertyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	spec := views.PropertySpec{
		Name:      request.Name,
		Visible:   request.Visible == nil || *request.Visible,
		Width:     request.Width,
		DateField: request.DateField,
		GroupBy:   request.GroupBy,
	}
	if request.PropertyID != "" {
		propertyID, err := views.NewPropertyID(request.PropertyID)
		if err != nil {
			h.respondError(c, "invalid_property_id", err)
			return
		}
		spec.PropertyID = propertyID
	}
	property, err := h.views.AddProperty(c.Request.Context(), viewID, spec)
	if err != nil {
		h.respondError(c, "add_property_failed", err)
		return
	}
	c.JSON(http.StatusCreated, newPropertyPayload(property))
}

func (h *httpHandler) handleMoveProperty(c *gin.Context) {
	viewID, ok := h.viewIDParam(c)
	if !ok {
		return
	}
	propertyID, ok := h.propertyIDParam(c)
	if !ok {
		return
	}
	var request movePropertyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	properties, err := h.views.MoveProperty(c.Request.Context(), viewID, propertyID, views.PropertyID(request.BeforeID))
	if err != nil {
		h.respondError(c, "move_property_failed", err)
		return
	}
	c.JSON(http.StatusOK, newPropertiesResponse(viewID, properties))
}

func (h *httpHandler) handleRenameProperty(c *gin.Context) {
	viewID, ok := h.viewIDParam(c)
	if !ok {
		return
	}
	propertyID, ok := h.propertyIDParam(c)
	if !ok {
		return
	}
	var request renamePropertyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	property, err := h.views.RenameProperty(c.Request.Context(), viewID, propertyID, request.Name)
	if err != nil {
		h.respondError(c, "rename_property_failed", err)
		return
	}
	c.JSON(http.StatusOK, newPropertyPayload(property))
}

func (h *httpHandler) handleDeleteProperty(c *gin.Context) {
	viewID, ok := h.viewIDParam(c)
	if !ok {
		return
	}
	propertyID, ok := h.propertyIDParam(c)
	if !ok {
		return
	}
	if err := h.views.DeleteProperty(c.Request.Context(), viewID, propertyID); err != nil {
		h.respondError(c, "delete_property_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}
