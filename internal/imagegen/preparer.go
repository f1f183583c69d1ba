package imagegen

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultSourceMIME is assumed for photos whose type cannot be inferred.
const DefaultSourceMIME = "image/jpeg"

// ImagePartName is the multipart field carrying the source photo.
const ImagePartName = "image"

var extensionMIME = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".heif": "image/heif",
	".bmp":  "image/bmp",
}

// SourceArtifact is the photo a batch is generated from. Data wins over Path
// when both are set.
type SourceArtifact struct {
	Data     []byte
	Path     string
	MIME     string
	Filename string
}

// PickedPhoto is what the photo-picker collaborator hands back.
type PickedPhoto struct {
	URI  string
	MIME string
	Size int64
}

// SourceFromPicked converts a picker result into a SourceArtifact. Only local
// references (file:// URIs or plain paths) are resolvable.
func SourceFromPicked(p PickedPhoto) (SourceArtifact, error) {
	ref := strings.TrimSpace(p.URI)
	if ref == "" {
		return SourceArtifact{}, newError(KindPayloadBuild, nil, "picked photo has no uri")
	}
	path := ref
	if strings.Contains(ref, "://") {
		u, err := url.Parse(ref)
		if err != nil {
			return SourceArtifact{}, newError(KindPayloadBuild, err, "invalid photo uri")
		}
		if u.Scheme != "file" {
			return SourceArtifact{}, newError(KindPayloadBuild, nil, "unsupported photo uri scheme %q", u.Scheme)
		}
		path = u.Path
	}
	return SourceArtifact{
		Path:     path,
		MIME:     strings.TrimSpace(p.MIME),
		Filename: filepath.Base(path),
	}, nil
}

// Payload is the request body shared by every call of a batch. It is built
// once and never mutated.
type Payload struct {
	body        []byte
	contentType string
	filename    string
	mime        string
	fields      map[string]string
}

// Body returns a fresh reader over the encoded multipart body.
func (p *Payload) Body() io.Reader { return bytes.NewReader(p.body) }

// ContentType is the multipart Content-Type header including the boundary.
func (p *Payload) ContentType() string { return p.contentType }

// Filename of the image part.
func (p *Payload) Filename() string { return p.filename }

// MIME of the image part.
func (p *Payload) MIME() string { return p.mime }

// Size of the encoded body in bytes.
func (p *Payload) Size() int { return len(p.body) }

// Field returns a plain form field value.
func (p *Payload) Field(name string) string { return p.fields[name] }

// Prepare encodes source and params into a reusable payload.
func Prepare(src SourceArtifact, params Parameters) (*Payload, error) {
	data, err := sourceBytes(src)
	if err != nil {
		return nil, err
	}
	filename := sourceFilename(src)
	mime := sourceMIME(src.MIME, filename)
	if filepath.Ext(filename) == "" {
		filename += ExtensionForMIME(mime)
	}

	fields := params.Fields()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, ImagePartName, filename))
	header.Set("Content-Type", mime)
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, newError(KindPayloadBuild, err, "create image part")
	}
	if _, err := part.Write(data); err != nil {
		return nil, newError(KindPayloadBuild, err, "write image part")
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := mw.WriteField(name, fields[name]); err != nil {
			return nil, newError(KindPayloadBuild, err, "write field %s", name)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, newError(KindPayloadBuild, err, "close multipart body")
	}

	return &Payload{
		body:        buf.Bytes(),
		contentType: mw.FormDataContentType(),
		filename:    filename,
		mime:        mime,
		fields:      fields,
	}, nil
}

func sourceBytes(src SourceArtifact) ([]byte, error) {
	if len(src.Data) > 0 {
		return append([]byte(nil), src.Data...), nil
	}
	path := strings.TrimSpace(src.Path)
	if path == "" {
		return nil, newError(KindPayloadBuild, nil, "source artifact is missing")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, newError(KindPayloadBuild, err, "source artifact %s not found", filepath.Base(path))
		}
		return nil, newError(KindPayloadBuild, err, "read source artifact")
	}
	if len(data) == 0 {
		return nil, newError(KindPayloadBuild, nil, "source artifact %s is empty", filepath.Base(path))
	}
	return data, nil
}

func sourceFilename(src SourceArtifact) string {
	if name := strings.TrimSpace(src.Filename); name != "" {
		return filepath.Base(name)
	}
	if path := strings.TrimSpace(src.Path); path != "" {
		return filepath.Base(path)
	}
	return "photo"
}

// sourceMIME prefers a declared image type and otherwise infers one from the
// filename extension.
func sourceMIME(declared, filename string) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if strings.HasPrefix(declared, "image/") {
		return declared
	}
	if mime, ok := extensionMIME[strings.ToLower(filepath.Ext(filename))]; ok {
		return mime
	}
	return DefaultSourceMIME
}

// MIMEForFilename returns the image MIME type for a filename extension, or ""
// when the extension is not an image.
func MIMEForFilename(name string) string {
	return extensionMIME[strings.ToLower(filepath.Ext(name))]
}

// ExtensionForMIME returns the conventional file extension for an image MIME
// type, or "" when unknown.
func ExtensionForMIME(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/heic":
		return ".heic"
	case "image/heif":
		return ".heif"
	case "image/bmp":
		return ".bmp"
	default:
		return ""
	}
}
