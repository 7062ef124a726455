package server

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/sitecraft/internal/apperr"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/eventlog"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/membership"
	"github.com/gin-gonic/gin"
)

const opHTTP = "http"

var (
	errInvalidBody  = errors.New("request body is invalid")
	errInvalidQuery = errors.New("query parameter is invalid")
)

type inviteRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type roleRequest struct {
	Role string `json:"role"`
}

type chatEditRequest struct {
	Message string `json:"message"`
}

type collaboratorsResponse struct {
	Collaborators []membership.Collaborator `json:"collaborators"`
}

func (h *httpHandler) handleListCollaborators(c *gin.Context) {
	collaborators, err := h.engine.ListCollaborators(c.Request.Context(), identityFrom(c).UserID, c.Param("projectID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, collaboratorsResponse{Collaborators: collaborators})
}

func (h *httpHandler) handleInvite(c *gin.Context) {
	var request inviteRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" {
		h.respondError(c, apperr.Invalid(opHTTP+".invite.invalid_request", errInvalidBody))
		return
	}
	role, err := membership.ParseAssignableRole(request.Role)
	if err != nil {
		h.respondError(c, apperr.Invalid(opHTTP+".invite.invalid_role", err))
		return
	}
	collaborator, err := h.engine.Invite(c.Request.Context(), identityFrom(c).UserID, c.Param("projectID"), request.Email, role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, collaborator)
}

func (h *httpHandler) handleAccept(c *gin.Context) {
	collaborator, err := h.engine.AcceptInvitation(c.Request.Context(), identityFrom(c).UserID, c.Param("projectID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, collaborator)
}

func (h *httpHandler) handleUpdateRole(c *gin.Context) {
	var request roleRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, apperr.Invalid(opHTTP+".update_role.invalid_request", errInvalidBody))
		return
	}
	role, err := membership.ParseAssignableRole(request.Role)
	if err != nil {
		h.respondError(c, apperr.Invalid(opHTTP+".update_role.invalid_role", err))
		return
	}
	collaborator, err := h.engine.UpdateRole(c.Request.Context(), identityFrom(c).UserID, c.Param("projectID"), c.Param("collaboratorID"), role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, collaborator)
}

func (h *httpHandler) handleRemoveCollaborator(c *gin.Context) {
	if _, err := h.engine.RemoveCollaborator(c.Request.Context(), identityFrom(c).UserID, c.Param("projectID"), c.Param("collaboratorID")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleActiveSessions(c *gin.Context) {
	active, err := h.engine.ActiveSessions(c.Request.Context(), identityFrom(c).UserID, c.Param("projectID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": active})
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		h.respondError(c, err)
		return
	}
	events, err := h.engine.History(c.Request.Context(), identityFrom(c).UserID, c.Param("projectID"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *httpHandler) handleExportHistory(c *gin.Context) {
	format, err := eventlog.ParseFormat(c.Query("format"))
	if err != nil {
		h.respondError(c, apperr.Invalid(opHTTP+".export.invalid_format", err))
		return
	}
	projectID := c.Param("projectID")
	var buffer bytes.Buffer
	if err := h.engine.ExportHistory(c.Request.Context(), identityFrom(c).UserID, projectID, format, &buffer); err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", projectID+"-history."+string(format)))
	c.Data(http.StatusOK, format.ContentType(), buffer.Bytes())
}

func (h *httpHandler) handleListChat(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		h.respondError(c, err)
		return
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		h.respondError(c, err)
		return
	}
	messages, err := h.engine.ChatMessages(c.Request.Context(), identityFrom(c).UserID, c.Param("projectID"), limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *httpHandler) handleEditChat(c *gin.Context) {
	var request chatEditRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, apperr.Invalid(opHTTP+".chat_edit.invalid_request", errInvalidBody))
		return
	}
	message, err := h.engine.EditChat(c.Request.Context(), identityFrom(c).UserID, c.Param("projectID"), c.Param("messageID"), request.Message)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, message)
}

func (h *httpHandler) handleDeleteChat(c *gin.Context) {
	if err := h.engine.DeleteChat(c.Request.Context(), identityFrom(c).UserID, c.Param("projectID"), c.Param("messageID")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// queryInt parses an optional non-negative integer query parameter. Missing
// values are zero, which the services treat as their default.
func queryInt(c *gin.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, apperr.Invalid(opHTTP+".invalid_"+name, fmt.Errorf("%w: %s=%q", errInvalidQuery, name, raw))
	}
	return value, nil
}
