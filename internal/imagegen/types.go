package imagegen

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
)

// DefaultImageMIME tags inline data whose type the service did not declare.
const DefaultImageMIME = "image/png"

// Shape selects the framing of the generated image.
type Shape string

const (
	ShapeSquare    Shape = "square"
	ShapePortrait  Shape = "portrait"
	ShapeLandscape Shape = "landscape"
)

// Shapes lists every accepted shape.
var Shapes = []Shape{ShapeSquare, ShapePortrait, ShapeLandscape}

// Color selects the color treatment of the generated image.
type Color string

const (
	ColorNatural    Color = "natural"
	ColorMonochrome Color = "monochrome"
	ColorSepia      Color = "sepia"
	ColorVivid      Color = "vivid"
)

// Colors lists every accepted color treatment.
var Colors = []Color{ColorNatural, ColorMonochrome, ColorSepia, ColorVivid}

// Parameters are the user's generation choices. They are sent unchanged to
// every request of a batch.
type Parameters struct {
	Shape Shape
	Color Color
}

// ParseParameters normalizes free-form input (trimmed, lower-cased) and
// validates it.
func ParseParameters(shape, color string) (Parameters, error) {
	p := Parameters{
		Shape: Shape(strings.ToLower(strings.TrimSpace(shape))),
		Color: Color(strings.ToLower(strings.TrimSpace(color))),
	}
	if err := p.Validate(); err != nil {
		return Parameters{}, err
	}
	return p, nil
}

// Validate checks each choice against its enumeration.
func (p Parameters) Validate() error {
	if !contains(Shapes, p.Shape) {
		return newError(KindValidation, nil, "unsupported shape %q", string(p.Shape))
	}
	if !contains(Colors, p.Color) {
		return newError(KindValidation, nil, "unsupported color %q", string(p.Color))
	}
	return nil
}

// Fields returns the plain form fields sent alongside the image part.
func (p Parameters) Fields() map[string]string {
	return map[string]string{
		"shape": string(p.Shape),
		"color": string(p.Color),
	}
}

func contains[T comparable](set []T, v T) bool {
	for _, item := range set {
		if item == v {
			return true
		}
	}
	return false
}

// Image is a decoded generation result. URI is always set: a data URI for
// inline results, otherwise the remote reference returned by the service.
// Data and MIME are populated whenever the bytes are inline.
type Image struct {
	URI  string
	MIME string
	Data []byte
}

// Inline reports whether the image bytes are available without a fetch.
func (img Image) Inline() bool {
	return len(img.Data) > 0
}

func inlineImage(mime string, data []byte) Image {
	return Image{
		URI:  fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data)),
		MIME: mime,
		Data: data,
	}
}

// Generator performs one remote generation call for a prepared payload.
type Generator interface {
	Generate(ctx context.Context, payload *Payload) (Image, error)
}
