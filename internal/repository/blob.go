package repository

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bigkaa/sysuser-broker/internal/domain/model"
)

// Версия схемы JSONB-колонок с правами и пакетами.
// v0 — исторический формат: голый JSON-массив без обёртки.
const blobVersion = 1

type rightsBlob struct {
	V      int           `json:"v"`
	Rights []model.Right `json:"rights"`
}

type packagesBlob struct {
	V        int                   `json:"v"`
	Packages []model.AccessPackage `json:"access_packages"`
}

func encodeRights(rights []model.Right) (string, error) {
	if rights == nil {
		rights = []model.Right{}
	}
	b, err := json.Marshal(rightsBlob{V: blobVersion, Rights: rights})
	if err != nil {
		return "", fmt.Errorf("ошибка сериализации прав: %w", err)
	}
	return string(b), nil
}

func decodeRights(raw []byte) ([]model.Right, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []model.Right{}, nil
	}
	if raw[0] == '[' {
		var legacy []model.Right
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, fmt.Errorf("ошибка разбора прав (v0): %w", err)
		}
		return nonNilRights(legacy), nil
	}
	var blob rightsBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("ошибка разбора прав: %w", err)
	}
	if blob.V != blobVersion {
		return nil, fmt.Errorf("неподдерживаемая версия схемы прав: %d", blob.V)
	}
	return nonNilRights(blob.Rights), nil
}

func encodePackages(packages []model.AccessPackage) (string, error) {
	if packages == nil {
		packages = []model.AccessPackage{}
	}
	b, err := json.Marshal(packagesBlob{V: blobVersion, Packages: packages})
	if err != nil {
		return "", fmt.Errorf("ошибка сериализации пакетов доступа: %w", err)
	}
	return string(b), nil
}

func decodePackages(raw []byte) ([]model.AccessPackage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []model.AccessPackage{}, nil
	}
	if raw[0] == '[' {
		var legacy []model.AccessPackage
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, fmt.Errorf("ошибка разбора пакетов доступа (v0): %w", err)
		}
		return nonNilPackages(legacy), nil
	}
	var blob packagesBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("ошибка разбора пакетов доступа: %w", err)
	}
	if blob.V != blobVersion {
		return nil, fmt.Errorf("неподдерживаемая версия схемы пакетов доступа: %d", blob.V)
	}
	return nonNilPackages(blob.Packages), nil
}

func nonNilRights(r []model.Right) []model.Right {
	if r == nil {
		return []model.Right{}
	}
	return r
}

func nonNilPackages(p []model.AccessPackage) []model.AccessPackage {
	if p == nil {
		return []model.AccessPackage{}
	}
	return p
}
