package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"server/internal/infra"
	"server/internal/sqlinline"
)

// SaveRequest carries a generated variation for persistence.
type SaveRequest struct {
	JobID        uuid.UUID
	ItemIndex    int
	Data         []byte
	Format       string
	Width        int
	Height       int
	ModelVersion string
}

// ArtifactRef identifies a persisted generated image.
type ArtifactRef struct {
	ID         uuid.UUID
	StorageKey string
	URL        string
}

// ArtifactStore is the store-and-register collaborator consumed by the batch
// orchestrator: persist the bytes, register the artifact in the catalog,
// return its reference.
type ArtifactStore interface {
	SaveGenerated(ctx context.Context, req SaveRequest) (*ArtifactRef, error)
}

// CatalogStore writes generated images to a FileStore and registers them in
// the generated_images catalog table.
type CatalogStore struct {
	files   *FileStore
	sql     infra.SQLExecutor
	baseURL string
}

func NewCatalogStore(files *FileStore, sql infra.SQLExecutor, baseURL string) *CatalogStore {
	return &CatalogStore{files: files, sql: sql, baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *CatalogStore) SaveGenerated(ctx context.Context, req SaveRequest) (*ArtifactRef, error) {
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("storage: empty artifact data")
	}

	id := uuid.New()
	key := fmt.Sprintf("generated/%s/%03d-%s%s", req.JobID, req.ItemIndex, id.String()[:8], extensionForMIME(req.Format))
	key, err := s.files.Write(ctx, key, req.Data)
	if err != nil {
		return nil, err
	}

	url := s.baseURL + "/" + key
	if _, err := s.sql.Exec(ctx, sqlinline.QInsertGeneratedImage,
		id,
		req.JobID,
		req.ItemIndex,
		key,
		url,
		req.Format,
		req.Width,
		req.Height,
		req.ModelVersion,
		time.Now().UTC(),
	); err != nil {
		return nil, fmt.Errorf("storage: register artifact: %w", err)
	}

	return &ArtifactRef{ID: id, StorageKey: key, URL: url}, nil
}

func extensionForMIME(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}

var _ ArtifactStore = (*CatalogStore)(nil)
