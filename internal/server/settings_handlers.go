package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/movieguru/internal/settings"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleGetSettings(c *gin.Context) {
	current, err := sessionFrom(c).Settings.Current(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": genericErrorMessage})
		return
	}
	c.JSON(http.StatusOK, current)
}

// handlePatchSettings applies each present field through its setter. A sort
// change goes through the coordinator so the search restarts with it.
func (h *httpHandler) handlePatchSettings(c *gin.Context) {
	var request settingsPatchPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var theme settings.DarkThemeConfig
	if request.DarkThemeConfig != nil {
		parsed, err := settings.ParseDarkThemeConfig(*request.DarkThemeConfig)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_dark_theme_config"})
			return
		}
		theme = parsed
	}

	session := sessionFrom(c)
	ctx := c.Request.Context()
	store := session.Settings
	var err error
	if request.DarkThemeConfig != nil {
		err = errors.Join(err, store.SetDarkThemeConfig(ctx, theme))
	}
	if request.UseDynamicColor != nil {
		err = errors.Join(err, store.SetDynamicColor(ctx, *request.UseDynamicColor))
	}
	if request.UseGrid != nil {
		err = errors.Join(err, store.SetUseGrid(ctx, *request.UseGrid))
	}
	if request.UseFingerprint != nil {
		err = errors.Join(err, store.SetUseFingerprint(ctx, *request.UseFingerprint))
	}
	if request.Sort != nil {
		err = errors.Join(err, session.Coordinator.ToggleSort(ctx, *request.Sort))
	}
	if err != nil {
		h.logger.Warn("settings update failed", zap.String("user_id", session.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": genericErrorMessage})
		return
	}

	current, err := store.Current(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": genericErrorMessage})
		return
	}
	c.JSON(http.StatusOK, current)
}
