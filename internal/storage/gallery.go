package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"clinicgen/internal/imagegen"
	"clinicgen/internal/infra"
	"clinicgen/internal/sqlinline"
)

// ErrNotFound is returned by Open for keys that are neither indexed nor stored.
var ErrNotFound = errors.New("storage: gallery item not found")

// Item is one exported generation result.
type Item struct {
	BatchID    string
	Slot       int
	Attempt    int
	Parameters imagegen.Parameters
	MIME       string
	Data       []byte
	Width      int
	Height     int
}

// Record is an indexed gallery entry.
type Record struct {
	ID         string
	Slot       int
	Attempt    int
	StorageKey string
	MIME       string
	Bytes      int
	Width      int
	Height     int
	CreatedAt  time.Time
}

// Gallery saves exported images to a FileStore and, when a database is
// configured, records each one in gallery_items.
type Gallery struct {
	files  *FileStore
	db     infra.SQLExecutor
	logger *infra.Logger
}

// NewGallery wires a gallery. db may be nil.
func NewGallery(files *FileStore, db infra.SQLExecutor, logger *infra.Logger) *Gallery {
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Gallery{files: files, db: db, logger: logger}
}

// EnsureSchema creates the index table. It is a no-op without a database.
func (g *Gallery) EnsureSchema(ctx context.Context) error {
	if g.db == nil {
		return nil
	}
	if _, err := g.db.Exec(ctx, sqlinline.QCreateGalleryItems); err != nil {
		return fmt.Errorf("gallery: ensure schema: %w", err)
	}
	return nil
}

// Save writes item and returns its storage key. If indexing fails the file
// is removed again so the gallery and the index stay in step.
func (g *Gallery) Save(ctx context.Context, item Item) (string, error) {
	if len(item.Data) == 0 {
		return "", errors.New("gallery: item has no data")
	}
	id := uuid.New()
	batchKey := item.BatchID
	if batchKey == "" {
		batchKey = "adhoc"
	}
	key := fmt.Sprintf("%s/slot-%d-%s%s", batchKey, item.Slot, id.String(), imagegen.ExtensionForMIME(item.MIME))
	stored, err := g.files.Write(ctx, key, item.Data)
	if err != nil {
		return "", err
	}

	if g.db != nil {
		batchID, err := uuid.Parse(item.BatchID)
		if err != nil {
			_ = g.files.Remove(stored)
			return "", fmt.Errorf("gallery: batch id: %w", err)
		}
		_, err = g.db.Exec(ctx, sqlinline.QInsertGalleryItem,
			id, batchID, item.Slot, item.Attempt, stored, item.MIME, len(item.Data),
			item.Width, item.Height, string(item.Parameters.Shape), string(item.Parameters.Color))
		if err != nil {
			if rmErr := g.files.Remove(stored); rmErr != nil {
				g.logger.Warn().Err(rmErr).Str("key", stored).Msg("gallery: cleanup failed")
			}
			return "", fmt.Errorf("gallery: index item: %w", err)
		}
	}

	g.logger.Info().
		Str("key", stored).
		Str("batch_id", item.BatchID).
		Int("slot", item.Slot).
		Int("bytes", len(item.Data)).
		Msg("gallery: item saved")
	return stored, nil
}

// List returns the indexed items of a batch, newest first per slot.
func (g *Gallery) List(ctx context.Context, batchID string) ([]Record, error) {
	if g.db == nil {
		return nil, nil
	}
	id, err := uuid.Parse(batchID)
	if err != nil {
		return nil, fmt.Errorf("gallery: batch id: %w", err)
	}
	rows, err := g.db.Query(ctx, sqlinline.QListGalleryItemsByBatch, id)
	if err != nil {
		return nil, fmt.Errorf("gallery: list items: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec   Record
			rowID uuid.UUID
		)
		if err := rows.Scan(&rowID, &rec.Slot, &rec.Attempt, &rec.StorageKey, &rec.MIME, &rec.Bytes, &rec.Width, &rec.Height, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("gallery: scan item: %w", err)
		}
		rec.ID = rowID.String()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("gallery: list items: %w", err)
	}
	return records, nil
}

// Open returns the record and bytes of a saved image by storage key. With a
// database the record comes from the index, otherwise it is derived from the
// file itself.
func (g *Gallery) Open(ctx context.Context, key string) (Record, []byte, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return Record{}, nil, err
	}
	rec := Record{StorageKey: cleanKey, MIME: imagegen.MIMEForFilename(cleanKey)}
	if g.db != nil {
		var rowID uuid.UUID
		err := g.db.QueryRow(ctx, sqlinline.QGetGalleryItemByKey, cleanKey).
			Scan(&rowID, &rec.Slot, &rec.Attempt, &rec.StorageKey, &rec.MIME, &rec.Bytes, &rec.Width, &rec.Height, &rec.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, nil, ErrNotFound
		}
		if err != nil {
			return Record{}, nil, fmt.Errorf("gallery: get item: %w", err)
		}
		rec.ID = rowID.String()
	}
	data, err := g.files.Read(ctx, rec.StorageKey)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, nil, ErrNotFound
	}
	if err != nil {
		return Record{}, nil, err
	}
	rec.Bytes = len(data)
	return rec, data, nil
}
