package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"clinicgen/internal/imagegen"
	"clinicgen/internal/middleware"
	"clinicgen/internal/storage"
)

type imageResponse struct {
	URI  string `json:"uri"`
	MIME string `json:"mime,omitempty"`
}

type slotResponse struct {
	Index   int            `json:"index"`
	State   string         `json:"state"`
	Attempt int            `json:"attempt"`
	Error   string         `json:"error,omitempty"`
	Image   *imageResponse `json:"image,omitempty"`
}

type batchResponse struct {
	ID        string         `json:"id"`
	Shape     string         `json:"shape"`
	Color     string         `json:"color"`
	Filename  string         `json:"filename"`
	CreatedAt time.Time      `json:"created_at"`
	Settled   bool           `json:"settled"`
	Selected  *int           `json:"selected,omitempty"`
	Slots     []slotResponse `json:"slots"`
}

type optionResponse struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Options lists the shape and color choices with labels for the caller's
// locale.
func (a *App) Options(w http.ResponseWriter, r *http.Request) {
	locale := middleware.LocaleFromContext(r.Context())
	shapes := make([]optionResponse, 0, len(imagegen.Shapes))
	for _, s := range imagegen.Shapes {
		shapes = append(shapes, optionResponse{Value: string(s), Label: label(locale, string(s))})
	}
	colors := make([]optionResponse, 0, len(imagegen.Colors))
	for _, c := range imagegen.Colors {
		colors = append(colors, optionResponse{Value: string(c), Label: label(locale, string(c))})
	}
	a.json(w, http.StatusOK, map[string]any{
		"shapes":         shapes,
		"colors":         colors,
		"default_count":  a.defaultCount(),
		"max_batch_size": a.Dispatcher.MaxBatchSize(),
	})
}

// CreateBatch starts a new batch from a multipart upload with fields photo,
// shape, color and count.
func (a *App) CreateBatch(w http.ResponseWriter, r *http.Request) {
	limit := a.MaxUploadBytes
	if limit <= 0 {
		limit = DefaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	if err := r.ParseMultipartForm(limit); err != nil {
		a.error(w, r, http.StatusBadRequest, "bad_request", "expected multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	params, err := imagegen.ParseParameters(r.FormValue("shape"), r.FormValue("color"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	count := a.defaultCount()
	if raw := strings.TrimSpace(r.FormValue("count")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			a.error(w, r, http.StatusBadRequest, "validation", "count must be a number")
			return
		}
		count = n
	}

	src := imagegen.SourceArtifact{}
	if file, header, err := r.FormFile("photo"); err == nil {
		data, readErr := io.ReadAll(io.LimitReader(file, limit+1))
		file.Close()
		if readErr != nil {
			a.error(w, r, http.StatusBadRequest, "bad_request", "photo could not be read")
			return
		}
		if int64(len(data)) > limit {
			a.error(w, r, http.StatusRequestEntityTooLarge, "validation", fmt.Sprintf("photo exceeds %d bytes", limit))
			return
		}
		src = imagegen.SourceArtifact{Data: data, Filename: header.Filename, MIME: header.Header.Get("Content-Type")}
	} else if !errors.Is(err, http.ErrMissingFile) {
		a.error(w, r, http.StatusBadRequest, "bad_request", "photo could not be read")
		return
	}

	// A payload failure still replaces the batch, with every slot failed.
	if err := a.Dispatcher.DispatchBatch(r.Context(), src, params, count); err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeBatch(w, r, http.StatusAccepted)
}

// GetBatch returns the current batch. With ?wait=true it blocks until every
// slot is terminal or the request ends.
func (a *App) GetBatch(w http.ResponseWriter, r *http.Request) {
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		if _, err := a.Dispatcher.Wait(r.Context()); err != nil && r.Context().Err() != nil {
			return
		}
	}
	a.writeBatch(w, r, http.StatusOK)
}

// DeleteBatch discards the current batch.
func (a *App) DeleteBatch(w http.ResponseWriter, r *http.Request) {
	a.Dispatcher.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) RegenerateSlot(w http.ResponseWriter, r *http.Request) {
	index, ok := a.slotIndex(w, r)
	if !ok {
		return
	}
	if err := a.Viewer.Regenerate(r.Context(), index); err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeBatch(w, r, http.StatusAccepted)
}

func (a *App) SelectSlot(w http.ResponseWriter, r *http.Request) {
	index, ok := a.slotIndex(w, r)
	if !ok {
		return
	}
	if err := a.Viewer.Select(index); err != nil {
		a.fail(w, r, err)
		return
	}
	slot, _ := a.Viewer.Selection()
	a.json(w, http.StatusOK, toSlotResponse(slot))
}

// SlotImage streams the decoded bytes of a succeeded slot.
func (a *App) SlotImage(w http.ResponseWriter, r *http.Request) {
	index, ok := a.slotIndex(w, r)
	if !ok {
		return
	}
	rendered, err := a.Viewer.Render(r.Context(), index)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/"+rendered.Format)
	w.Header().Set("Content-Length", strconv.Itoa(len(rendered.Image.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rendered.Image.Data)
}

func (a *App) ExportSlot(w http.ResponseWriter, r *http.Request) {
	index, ok := a.slotIndex(w, r)
	if !ok {
		return
	}
	location, err := a.Viewer.Export(r.Context(), index)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusCreated, map[string]string{"location": location, "uri": galleryURI(location)})
}

// Archive downloads every displayable result of the batch as a zip.
func (a *App) Archive(w http.ResponseWriter, r *http.Request) {
	data, err := a.Viewer.Archive(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	info, _ := a.Dispatcher.Current()
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="batch-%s.zip"`, info.ID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// GalleryItems lists what has been exported from the current batch.
func (a *App) GalleryItems(w http.ResponseWriter, r *http.Request) {
	info, ok := a.Dispatcher.Current()
	if !ok {
		a.error(w, r, http.StatusNotFound, "not_found", "")
		return
	}
	items := []map[string]any{}
	if a.Gallery != nil {
		records, err := a.Gallery.List(r.Context(), info.ID)
		if err != nil {
			a.logger().Error().Err(err).Str("batch_id", info.ID).Msg("gallery list failed")
			a.error(w, r, http.StatusInternalServerError, "internal", "")
			return
		}
		for _, rec := range records {
			items = append(items, map[string]any{
				"id":          rec.ID,
				"uri":         galleryURI(rec.StorageKey),
				"slot":        rec.Slot,
				"attempt":     rec.Attempt,
				"storage_key": rec.StorageKey,
				"mime":        rec.MIME,
				"bytes":       rec.Bytes,
				"width":       rec.Width,
				"height":      rec.Height,
				"created_at":  rec.CreatedAt,
			})
		}
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

// GalleryImage serves an exported image by the storage key Export returned.
func (a *App) GalleryImage(w http.ResponseWriter, r *http.Request) {
	if a.Gallery == nil {
		a.error(w, r, http.StatusNotFound, "gallery_not_found", "")
		return
	}
	rec, data, err := a.Gallery.Open(r.Context(), chi.URLParam(r, "*"))
	switch {
	case errors.Is(err, storage.ErrInvalidKey):
		a.error(w, r, http.StatusBadRequest, "validation", "invalid gallery key")
		return
	case errors.Is(err, storage.ErrNotFound):
		a.error(w, r, http.StatusNotFound, "gallery_not_found", "")
		return
	case err != nil:
		a.logger().Error().Err(err).Str("key", chi.URLParam(r, "*")).Msg("gallery open failed")
		a.error(w, r, http.StatusInternalServerError, "internal", "")
		return
	}
	contentType := rec.MIME
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func galleryURI(key string) string {
	return "/v1/gallery/" + key
}

func (a *App) slotIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		a.error(w, r, http.StatusBadRequest, "validation", "slot index must be a number")
		return 0, false
	}
	return index, true
}

func (a *App) writeBatch(w http.ResponseWriter, r *http.Request, status int) {
	info, ok := a.Dispatcher.Current()
	if !ok {
		a.error(w, r, http.StatusNotFound, "not_found", "")
		return
	}
	resp := batchResponse{
		ID:        info.ID,
		Shape:     string(info.Parameters.Shape),
		Color:     string(info.Parameters.Color),
		Filename:  info.Filename,
		CreatedAt: info.CreatedAt,
		Settled:   true,
		Slots:     make([]slotResponse, 0, len(info.Slots)),
	}
	for _, s := range info.Slots {
		if !s.State.Terminal() {
			resp.Settled = false
		}
		resp.Slots = append(resp.Slots, toSlotResponse(s))
	}
	if sel, ok := a.Viewer.Selection(); ok {
		index := sel.Index
		resp.Selected = &index
	}
	a.json(w, status, resp)
}

func toSlotResponse(s imagegen.Slot) slotResponse {
	out := slotResponse{Index: s.Index, State: string(s.State), Attempt: s.Attempt, Error: s.Error}
	if s.Result != nil {
		uri := s.Result.URI
		if s.Result.Inline() {
			// Inline results are served by SlotImage instead of as data URIs.
			uri = fmt.Sprintf("/v1/batches/current/slots/%d/image", s.Index)
		}
		out.Image = &imageResponse{URI: uri, MIME: s.Result.MIME}
	}
	return out
}

func (a *App) defaultCount() int {
	if a.DefaultCount > 0 {
		return a.DefaultCount
	}
	return 4
}
