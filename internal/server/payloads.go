package server

import (
	"github.com/MarcoPoloResearchLab/movieguru/internal/movies"
	"github.com/MarcoPoloResearchLab/movieguru/internal/search"
)

type searchStatePayload struct {
	Query      string        `json:"query"`
	Sort       bool          `json:"sort"`
	Loading    bool          `json:"loading"`
	Generation uint64        `json:"generation"`
	Error      string        `json:"error,omitempty"`
	Pages      []movies.Page `json:"pages"`
}

func newSearchStatePayload(state search.State) searchStatePayload {
	payload := searchStatePayload{
		Query:      state.Query,
		Sort:       state.Sort,
		Loading:    state.Loading,
		Generation: state.Generation,
		Pages:      []movies.Page{},
	}
	if state.Err != nil {
		payload.Error = genericErrorMessage
	}
	if state.Stream != nil {
		payload.Pages = state.Stream.Loaded()
	}
	return payload
}

type pagePayload struct {
	Generation uint64 `json:"generation"`
	movies.Page
}

type queryRequestPayload struct {
	Query string `json:"query"`
}

type sortRequestPayload struct {
	Ascending *bool `json:"ascending"`
}

type settingsPatchPayload struct {
	Sort            *bool   `json:"sort"`
	DarkThemeConfig *string `json:"dark_theme_config"`
	UseDynamicColor *bool   `json:"use_dynamic_color"`
	UseGrid         *bool   `json:"use_grid"`
	UseFingerprint  *bool   `json:"use_fingerprint"`
}
