package settings

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "settings.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestStore(t *testing.T, db *gorm.DB, userID string) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{Database: db, UserID: userID})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func TestStoreCurrentDefaultsWithoutRow(t *testing.T) {
	store := newTestStore(t, newTestDatabase(t), "user-1")

	current, err := store.Current(context.Background())
	if err != nil {
		t.Fatalf("unexpected current error: %v", err)
	}
	if current != Defaults() {
		t.Fatalf("expected defaults, got %#v", current)
	}
	if current.DarkThemeConfig != DarkThemeFollowSystem || !current.UseDynamicColor || current.Sort {
		t.Fatalf("unexpected default values %#v", current)
	}
}

func TestStoreSettersPersistAcrossInstances(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	store := newTestStore(t, db, "user-1")

	if err := store.SetSort(ctx, true); err != nil {
		t.Fatalf("unexpected sort error: %v", err)
	}
	if err := store.SetDarkThemeConfig(ctx, DarkThemeDark); err != nil {
		t.Fatalf("unexpected theme error: %v", err)
	}
	if err := store.SetDynamicColor(ctx, false); err != nil {
		t.Fatalf("unexpected dynamic color error: %v", err)
	}
	if err := store.SetUseGrid(ctx, true); err != nil {
		t.Fatalf("unexpected grid error: %v", err)
	}
	if err := store.SetUseFingerprint(ctx, true); err != nil {
		t.Fatalf("unexpected fingerprint error: %v", err)
	}

	reloaded := newTestStore(t, db, "user-1")
	current, err := reloaded.Current(ctx)
	if err != nil {
		t.Fatalf("unexpected current error: %v", err)
	}
	expected := Settings{Sort: true, DarkThemeConfig: DarkThemeDark, UseDynamicColor: false, UseGrid: true, UseFingerprint: true}
	if current != expected {
		t.Fatalf("expected %#v, got %#v", expected, current)
	}

	other := newTestStore(t, db, "user-2")
	otherCurrent, err := other.Current(ctx)
	if err != nil {
		t.Fatalf("unexpected current error: %v", err)
	}
	if otherCurrent != Defaults() {
		t.Fatalf("expected other users to keep defaults, got %#v", otherCurrent)
	}
}

func TestStoreSubscribeReplaysLatestAndPublishesWrites(t *testing.T) {
	store := newTestStore(t, newTestDatabase(t), "user-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := store.Subscribe(ctx)
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	if initial := receive(t, stream); initial != Defaults() {
		t.Fatalf("expected initial replay of defaults, got %#v", initial)
	}

	if err := store.SetSort(ctx, true); err != nil {
		t.Fatalf("unexpected sort error: %v", err)
	}
	if next := receive(t, stream); !next.Sort {
		t.Fatalf("expected published sort change, got %#v", next)
	}

	if err := store.SetUseGrid(ctx, true); err != nil {
		t.Fatalf("unexpected grid error: %v", err)
	}
	if err := store.SetUseFingerprint(ctx, true); err != nil {
		t.Fatalf("unexpected fingerprint error: %v", err)
	}
	latest := receive(t, stream)
	if !latest.UseGrid || !latest.UseFingerprint {
		t.Fatalf("expected slow subscriber to see the latest snapshot, got %#v", latest)
	}

	cancel()
	select {
	case _, ok := <-stream:
		if ok {
			t.Fatalf("expected no further snapshots after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("expected stream to close after cancel")
	}
}

func TestStoreRejectsUnknownTheme(t *testing.T) {
	store := newTestStore(t, newTestDatabase(t), "user-1")
	if err := store.SetDarkThemeConfig(context.Background(), DarkThemeConfig("sepia")); !errors.Is(err, ErrInvalidDarkThemeConfig) {
		t.Fatalf("expected invalid theme error, got %v", err)
	}
}

func TestNewStoreValidatesConfig(t *testing.T) {
	var serviceErr *ServiceError
	if _, err := NewStore(StoreConfig{UserID: "user-1"}); !errors.As(err, &serviceErr) || serviceErr.Code() != "settings.store.new.missing_database" {
		t.Fatalf("expected missing database error, got %v", err)
	}
	if _, err := NewStore(StoreConfig{Database: newTestDatabase(t), UserID: " "}); !errors.As(err, &serviceErr) || serviceErr.Code() != "settings.store.new.missing_user" {
		t.Fatalf("expected missing user error, got %v", err)
	}
}

func TestParseDarkThemeConfig(t *testing.T) {
	value, err := ParseDarkThemeConfig(" Dark ")
	if err != nil || value != DarkThemeDark {
		t.Fatalf("expected dark, got %q (%v)", value, err)
	}
	if _, err := ParseDarkThemeConfig("neon"); !errors.Is(err, ErrInvalidDarkThemeConfig) {
		t.Fatalf("expected invalid theme error, got %v", err)
	}
}

func receive(t *testing.T, stream <-chan Settings) Settings {
	t.Helper()
	select {
	case value, ok := <-stream:
		if !ok {
			t.Fatal("stream closed unexpectedly")
		}
		return value
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for settings snapshot")
	}
	return Settings{}
}
