package settings

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DarkThemeConfig selects how the presentation layer picks its color scheme.
type DarkThemeConfig string

const (
	DarkThemeFollowSystem DarkThemeConfig = "follow_system"
	DarkThemeLight        DarkThemeConfig = "light"
	DarkThemeDark         DarkThemeConfig = "dark"
)

// ErrInvalidDarkThemeConfig indicates an unknown theme selection.
var ErrInvalidDarkThemeConfig = errors.New("settings: invalid dark theme config")

// ParseDarkThemeConfig validates raw input.
func ParseDarkThemeConfig(raw string) (DarkThemeConfig, error) {
	switch value := DarkThemeConfig(strings.ToLower(strings.TrimSpace(raw))); value {
	case DarkThemeFollowSystem, DarkThemeLight, DarkThemeDark:
		return value, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDarkThemeConfig, raw)
	}
}

// Settings is the persisted preference snapshot of one user.
type Settings struct {
	Sort            bool            `json:"sort"`
	DarkThemeConfig DarkThemeConfig `json:"dark_theme_config"`
	UseDynamicColor bool            `json:"use_dynamic_color"`
	UseGrid         bool            `json:"use_grid"`
	UseFingerprint  bool            `json:"use_fingerprint"`
}

// Defaults returns the snapshot of a user who never changed a preference.
func Defaults() Settings {
	return Settings{
		DarkThemeConfig: DarkThemeFollowSystem,
		UseDynamicColor: true,
	}
}

// Record is the user_settings row.
type Record struct {
	UserID          string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Sort            bool      `gorm:"column:sort;not null"`
	DarkThemeConfig string    `gorm:"column:dark_theme_config;size:32;not null;default:'follow_system'"`
	UseDynamicColor bool      `gorm:"column:use_dynamic_color;not null"`
	UseGrid         bool      `gorm:"column:use_grid;not null"`
	UseFingerprint  bool      `gorm:"column:use_fingerprint;not null"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "user_settings"
}

func (r Record) snapshot() Settings {
	theme, err := ParseDarkThemeConfig(r.DarkThemeConfig)
	if err != nil {
		theme = DarkThemeFollowSystem
	}
	return Settings{
		Sort:            r.Sort,
		DarkThemeConfig: theme,
		UseDynamicColor: r.UseDynamicColor,
		UseGrid:         r.UseGrid,
		UseFingerprint:  r.UseFingerprint,
	}
}

func recordFor(userID string, value Settings) Record {
	return Record{
		UserID:          userID,
		Sort:            value.Sort,
		DarkThemeConfig: string(value.DarkThemeConfig),
		UseDynamicColor: value.UseDynamicColor,
		UseGrid:         value.UseGrid,
		UseFingerprint:  value.UseFingerprint,
	}
}
