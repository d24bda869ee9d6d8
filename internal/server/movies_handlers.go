package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/movieguru/internal/movies"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleSearchState(c *gin.Context) {
	c.JSON(http.StatusOK, newSearchStatePayload(sessionFrom(c).Coordinator.State()))
}

func (h *httpHandler) handleSubmitQuery(c *gin.Context) {
	var request queryRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	coordinator := sessionFrom(c).Coordinator
	coordinator.SubmitQueryChange(request.Query)
	c.JSON(http.StatusAccepted, newSearchStatePayload(coordinator.State()))
}

func (h *httpHandler) handleToggleSort(c *gin.Context) {
	var request sortRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Ascending == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	coordinator := sessionFrom(c).Coordinator
	if err := coordinator.ToggleSort(c.Request.Context(), *request.Ascending); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": genericErrorMessage})
		return
	}
	c.JSON(http.StatusAccepted, newSearchStatePayload(coordinator.State()))
}

func (h *httpHandler) handleInitiate(c *gin.Context) {
	coordinator := sessionFrom(c).Coordinator
	coordinator.Initiate()
	c.JSON(http.StatusAccepted, newSearchStatePayload(coordinator.State()))
}

func (h *httpHandler) handleSearchPage(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("page"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page"})
		return
	}
	state := sessionFrom(c).Coordinator.State()
	switch {
	case state.Err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": genericErrorMessage})
		return
	case state.Stream == nil:
		c.JSON(http.StatusConflict, gin.H{"error": "search_loading", "generation": state.Generation})
		return
	}

	page, err := state.Stream.Load(c.Request.Context(), index)
	if err != nil {
		if errors.Is(err, movies.ErrStreamInvalidated) {
			c.JSON(http.StatusConflict, gin.H{"error": "search_superseded", "generation": state.Generation})
			return
		}
		h.logger.Warn("search page load failed", zap.Int("page", index), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": genericErrorMessage})
		return
	}
	c.JSON(http.StatusOK, pagePayload{Generation: state.Generation, Page: page})
}

func (h *httpHandler) handleMovieDetails(c *gin.Context) {
	id, err := movies.NewMovieID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_movie_id"})
		return
	}
	details, err := h.movies.Details(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, movies.ErrMovieNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "movie_not_found"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": genericErrorMessage})
		return
	}
	c.JSON(http.StatusOK, details)
}
