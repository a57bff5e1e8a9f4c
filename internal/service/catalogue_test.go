package service

import (
	"context"
	"testing"
	"time"

	"github.com/bigkaa/sysuser-broker/internal/domain/problem"
)

func TestCatalogueCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		sys, err := env.catalogue.Get(ctx, testSystemID)
		if err != nil {
			t.Fatalf("Get() ошибка: %v", err)
		}
		if sys.InternalID != env.system.InternalID {
			t.Errorf("InternalID = %q", sys.InternalID)
		}
	}
	if env.db.catalogueReads != 1 {
		t.Errorf("ожидалось 1 чтение из хранилища, получено %d", env.db.catalogueReads)
	}
	if env.catalogue.size() != 1 {
		t.Errorf("size() = %d", env.catalogue.size())
	}

	env.catalogue.invalidate(testSystemID)
	if _, err := env.catalogue.Get(ctx, testSystemID); err != nil {
		t.Fatalf("Get() после invalidate: %v", err)
	}
	if env.db.catalogueReads != 2 {
		t.Errorf("после invalidate ожидалось повторное чтение, всего %d", env.db.catalogueReads)
	}
}

func TestCatalogueCache_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.catalogue.Get(context.Background(), "missing")
	if !problem.Is(err, problem.SystemNotFound) {
		t.Errorf("ожидалась SystemNotFound, получена %v", err)
	}
	if env.catalogue.size() != 0 {
		t.Error("отсутствующая система не должна кэшироваться")
	}
}

func TestCatalogueCache_TTL(t *testing.T) {
	db := newMemDB()
	db.systems[testSystemID] = newTestEnv(t).system
	cat := NewCatalogueService(db.stores().Catalogue, 4, 20*time.Millisecond, testLogger())

	if _, err := cat.Get(context.Background(), testSystemID); err != nil {
		t.Fatalf("Get() ошибка: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, err := cat.Get(context.Background(), testSystemID); err != nil {
		t.Fatalf("Get() ошибка: %v", err)
	}
	if db.catalogueReads != 2 {
		t.Errorf("после истечения TTL ожидалось повторное чтение, всего %d", db.catalogueReads)
	}
}
