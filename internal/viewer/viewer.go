package viewer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"sync"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"clinicgen/internal/imagegen"
	"clinicgen/internal/infra"
	"clinicgen/internal/storage"
	"clinicgen/pkg/zip"
)

// Batches is the part of the dispatcher the viewer drives.
type Batches interface {
	Current() (imagegen.BatchInfo, bool)
	Regenerate(ctx context.Context, index int) error
}

// Resolver turns a remote image reference into inline bytes.
type Resolver interface {
	Resolve(ctx context.Context, img imagegen.Image) (imagegen.Image, error)
}

// GalleryWriter persists an exported image and returns where it went.
type GalleryWriter interface {
	Save(ctx context.Context, item storage.Item) (string, error)
}

// Rendered is a slot image that decoded successfully.
type Rendered struct {
	Image  imagegen.Image
	Config image.Config
	Format string
}

// Viewer presents the current batch. Its only state is the selection.
type Viewer struct {
	batches  Batches
	resolver Resolver
	gallery  GalleryWriter
	logger   *infra.Logger

	mu        sync.Mutex
	selBatch  string
	selIndex  int
	selActive bool
}

func New(batches Batches, resolver Resolver, gallery GalleryWriter, logger *infra.Logger) *Viewer {
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Viewer{batches: batches, resolver: resolver, gallery: gallery, logger: logger}
}

// Select marks index of the current batch as the user's choice.
func (v *Viewer) Select(index int) error {
	info, err := v.current()
	if err != nil {
		return err
	}
	if err := checkIndex(info, index); err != nil {
		return err
	}
	v.mu.Lock()
	v.selBatch, v.selIndex, v.selActive = info.ID, index, true
	v.mu.Unlock()
	return nil
}

// Selection returns the selected slot as it is now. A selection made on a
// batch that has since been replaced is gone.
func (v *Viewer) Selection() (imagegen.Slot, bool) {
	v.mu.Lock()
	batchID, index, active := v.selBatch, v.selIndex, v.selActive
	v.mu.Unlock()
	if !active {
		return imagegen.Slot{}, false
	}
	info, ok := v.batches.Current()
	if !ok || info.ID != batchID || index >= len(info.Slots) {
		return imagegen.Slot{}, false
	}
	return info.Slots[index], true
}

// Regenerate asks for a new attempt on one slot.
func (v *Viewer) Regenerate(ctx context.Context, index int) error {
	return v.batches.Regenerate(ctx, index)
}

// Render resolves a succeeded slot and checks that its bytes decode as an
// image. Any decode failure is a display error.
func (v *Viewer) Render(ctx context.Context, index int) (Rendered, error) {
	info, err := v.current()
	if err != nil {
		return Rendered{}, err
	}
	slot, err := succeededSlot(info, index)
	if err != nil {
		return Rendered{}, err
	}
	return v.render(ctx, slot)
}

func (v *Viewer) render(ctx context.Context, slot imagegen.Slot) (Rendered, error) {
	img, err := v.resolver.Resolve(ctx, *slot.Result)
	if err != nil {
		return Rendered{}, err
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(img.Data))
	if err != nil {
		return Rendered{}, &imagegen.Error{Kind: imagegen.KindDisplay, Detail: fmt.Sprintf("slot %d cannot be displayed", slot.Index), Err: err}
	}
	return Rendered{Image: img, Config: cfg, Format: format}, nil
}

// Export saves a succeeded slot to the gallery. The saved MIME follows the
// decoded format, not the type the service declared.
func (v *Viewer) Export(ctx context.Context, index int) (string, error) {
	info, err := v.current()
	if err != nil {
		return "", err
	}
	slot, err := succeededSlot(info, index)
	if err != nil {
		return "", err
	}
	r, err := v.render(ctx, slot)
	if err != nil {
		return "", err
	}
	location, err := v.gallery.Save(ctx, storage.Item{
		BatchID:    info.ID,
		Slot:       index,
		Attempt:    slot.Attempt,
		Parameters: info.Parameters,
		MIME:       formatMIME(r.Format, r.Image.MIME),
		Data:       r.Image.Data,
		Width:      r.Config.Width,
		Height:     r.Config.Height,
	})
	if err != nil {
		return "", err
	}
	v.logger.Info().Str("batch_id", info.ID).Int("slot", index).Str("location", location).Msg("viewer: slot exported")
	return location, nil
}

// Archive zips every succeeded slot that renders. Slots that fail to render
// are left out; an archive with nothing in it is an error.
func (v *Viewer) Archive(ctx context.Context) ([]byte, error) {
	info, err := v.current()
	if err != nil {
		return nil, err
	}
	var assets []zip.Asset
	for _, slot := range info.Slots {
		if slot.State != imagegen.SlotSucceeded || slot.Result == nil {
			continue
		}
		r, err := v.render(ctx, slot)
		if err != nil {
			v.logger.Warn().Err(err).Str("batch_id", info.ID).Int("slot", slot.Index).Msg("viewer: slot left out of archive")
			continue
		}
		mime := formatMIME(r.Format, r.Image.MIME)
		assets = append(assets, zip.Asset{
			Filename: fmt.Sprintf("slot-%d%s", slot.Index, imagegen.ExtensionForMIME(mime)),
			MIME:     mime,
			Data:     r.Image.Data,
			Modified: info.CreatedAt,
		})
	}
	if len(assets) == 0 {
		return nil, &imagegen.Error{Kind: imagegen.KindValidation, Detail: "batch has no displayable results"}
	}
	return zip.ArchiveAssets(assets)
}

func (v *Viewer) current() (imagegen.BatchInfo, error) {
	info, ok := v.batches.Current()
	if !ok {
		return imagegen.BatchInfo{}, &imagegen.Error{Kind: imagegen.KindValidation, Detail: "no batch"}
	}
	return info, nil
}

func checkIndex(info imagegen.BatchInfo, index int) error {
	if index < 0 || index >= len(info.Slots) {
		return &imagegen.Error{Kind: imagegen.KindValidation, Detail: fmt.Sprintf("slot index %d out of range [0, %d)", index, len(info.Slots))}
	}
	return nil
}

func succeededSlot(info imagegen.BatchInfo, index int) (imagegen.Slot, error) {
	if err := checkIndex(info, index); err != nil {
		return imagegen.Slot{}, err
	}
	slot := info.Slots[index]
	if slot.State != imagegen.SlotSucceeded || slot.Result == nil {
		return imagegen.Slot{}, &imagegen.Error{Kind: imagegen.KindValidation, Detail: fmt.Sprintf("slot %d is %s", index, slot.State)}
	}
	return slot, nil
}

func formatMIME(format, declared string) string {
	switch format {
	case "png", "jpeg", "gif", "webp", "bmp":
		return "image/" + format
	default:
		return declared
	}
}
