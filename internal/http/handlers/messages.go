package handlers

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var messages = map[string]map[string]string{
	"en": {
		"validation":        "The request is not valid.",
		"payload_build":     "The photo could not be prepared for generation.",
		"network":           "The generation service could not be reached.",
		"server":            "The generation service reported an error.",
		"malformed_payload": "The generation service returned an unreadable result.",
		"display":           "The image cannot be displayed.",
		"not_found":         "There is no batch yet.",
		"gallery_not_found": "That image is not in the gallery.",
		"bad_request":       "The request could not be read.",
		"internal":          "Something went wrong.",
	},
	"id": {
		"validation":        "Permintaan tidak valid.",
		"payload_build":     "Foto tidak dapat disiapkan untuk pembuatan gambar.",
		"network":           "Layanan pembuatan gambar tidak dapat dihubungi.",
		"server":            "Layanan pembuatan gambar mengalami kesalahan.",
		"malformed_payload": "Layanan pembuatan gambar mengirim hasil yang tidak terbaca.",
		"display":           "Gambar tidak dapat ditampilkan.",
		"not_found":         "Belum ada batch.",
		"gallery_not_found": "Gambar tidak ada di galeri.",
		"bad_request":       "Permintaan tidak dapat dibaca.",
		"internal":          "Terjadi kesalahan.",
	},
}

var optionLabels = map[string]map[string]string{
	"id": {
		"square":     "persegi",
		"portrait":   "potret",
		"landscape":  "lanskap",
		"natural":    "alami",
		"monochrome": "monokrom",
		"sepia":      "sepia",
		"vivid":      "cerah",
	},
}

func message(locale, code string) string {
	if m, ok := messages[locale][code]; ok {
		return m
	}
	if m, ok := messages["en"][code]; ok {
		return m
	}
	return messages["en"]["internal"]
}

// label returns the display name of a shape or color value, title-cased
// for the locale.
func label(locale, value string) string {
	text := value
	if translated, ok := optionLabels[locale][value]; ok {
		text = translated
	}
	return cases.Title(language.Make(locale)).String(text)
}
