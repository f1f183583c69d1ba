package imagegen

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
)

const (
	// maxResponseBytes caps how much of a response body is buffered.
	maxResponseBytes = 32 << 20
	// maxExcerptBytes caps the body excerpt attached to server errors.
	maxExcerptBytes = 256
)

// result is the tagged union produced by classify: exactly one variant
// applies to a given response.
type result interface {
	decode(body io.Reader) (Image, error)
}

// structuredResult is a JSON document naming the image by field.
type structuredResult struct{}

// binaryResult is a raw image body with a declared image MIME.
type binaryResult struct{ mime string }

// unknownResult is any other body. It is coerced to DefaultImageMIME.
type unknownResult struct{}

// Decode normalizes one generation response into an Image. It only reads the
// body and touches no shared state.
func Decode(status int, contentType string, body io.Reader) (Image, error) {
	if body == nil {
		body = http.NoBody
	}
	if status < 200 || status > 299 {
		return Image{}, serverError(status, body)
	}
	return classify(contentType).decode(body)
}

func classify(contentType string) result {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	switch {
	case mediaType == "application/json", mediaType == "text/json", strings.HasSuffix(mediaType, "+json"):
		return structuredResult{}
	case strings.HasPrefix(mediaType, "image/") && len(mediaType) > len("image/"):
		return binaryResult{mime: mediaType}
	default:
		return unknownResult{}
	}
}

func serverError(status int, body io.Reader) error {
	excerpt, _ := io.ReadAll(io.LimitReader(body, maxExcerptBytes))
	text := strings.TrimSpace(string(excerpt))
	if text == "" {
		text = http.StatusText(status)
	}
	return newError(KindServer, nil, "status %d: %s", status, text)
}

func readBody(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxResponseBytes+1))
	if err != nil {
		return nil, newError(KindNetwork, err, "read response body")
	}
	if len(data) > maxResponseBytes {
		return nil, newError(KindMalformedPayload, nil, "response body exceeds %d bytes", maxResponseBytes)
	}
	return data, nil
}

type structuredFields struct {
	Image string `json:"image"`
	URL   string `json:"url"`
	Data  string `json:"data"`
}

func (structuredResult) decode(body io.Reader) (Image, error) {
	raw, err := readBody(body)
	if err != nil {
		return Image{}, err
	}
	var fields structuredFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Image{}, newError(KindMalformedPayload, err, "decode structured response")
	}
	switch {
	case strings.TrimSpace(fields.Image) != "":
		return referenceImage(strings.TrimSpace(fields.Image))
	case strings.TrimSpace(fields.URL) != "":
		return referenceImage(strings.TrimSpace(fields.URL))
	case strings.TrimSpace(fields.Data) != "":
		data := strings.TrimSpace(fields.Data)
		if !hasDataURIPrefix(data) {
			data = "data:" + DefaultImageMIME + ";base64," + data
		}
		return referenceImage(data)
	default:
		return Image{}, newError(KindMalformedPayload, nil, "response has none of image, url, data")
	}
}

func (r binaryResult) decode(body io.Reader) (Image, error) {
	data, err := readBody(body)
	if err != nil {
		return Image{}, err
	}
	if len(data) == 0 {
		return Image{}, newError(KindMalformedPayload, nil, "empty %s body", r.mime)
	}
	return inlineImage(r.mime, data), nil
}

func (unknownResult) decode(body io.Reader) (Image, error) {
	return binaryResult{mime: DefaultImageMIME}.decode(body)
}

// referenceImage turns a field value into an Image. Data URIs are decoded
// inline; anything else is kept as a remote reference.
func referenceImage(ref string) (Image, error) {
	if !hasDataURIPrefix(ref) {
		return Image{URI: ref}, nil
	}
	mimeType, data, err := parseDataURI(ref)
	if err != nil {
		return Image{}, newError(KindMalformedPayload, err, "decode data uri")
	}
	return Image{URI: ref, MIME: mimeType, Data: data}, nil
}

func hasDataURIPrefix(s string) bool {
	return len(s) >= 5 && strings.EqualFold(s[:5], "data:")
}

var errNotBase64DataURI = errors.New("data uri is not base64 encoded")

func parseDataURI(uri string) (string, []byte, error) {
	meta, payload, ok := strings.Cut(uri[len("data:"):], ",")
	if !ok {
		return "", nil, errors.New("data uri has no payload separator")
	}
	params := strings.Split(meta, ";")
	if len(params) < 2 || !strings.EqualFold(params[len(params)-1], "base64") {
		return "", nil, errNotBase64DataURI
	}
	mimeType := strings.ToLower(strings.TrimSpace(params[0]))
	if mimeType == "" {
		mimeType = DefaultImageMIME
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return "", nil, err
		}
	}
	if len(data) == 0 {
		return "", nil, errors.New("data uri payload is empty")
	}
	return mimeType, data, nil
}
