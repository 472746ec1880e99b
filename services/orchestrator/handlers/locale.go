// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import "strings"

// spanishMarkers are common Spanish function words and reply openers.
// Marker-word counting beats n-gram models at this scale: the only
// supported locales are en and es, and two marker hits in a short chat
// message is already a strong signal.
var spanishMarkers = map[string]struct{}{
	"el": {}, "la": {}, "los": {}, "las": {}, "un": {}, "una": {},
	"de": {}, "del": {}, "que": {}, "es": {}, "está": {}, "estoy": {},
	"en": {}, "con": {}, "por": {}, "para": {}, "pero": {}, "como": {},
	"muy": {}, "sí": {}, "tengo": {},
	"siento": {}, "porque": {}, "cuando": {}, "hola": {}, "gracias": {},
	"ayuda": {}, "necesito": {}, "quiero": {}, "hoy": {}, "trabajo": {},
}

// DetectLocale guesses en or es from message text.
//
// Returns es when at least two distinct Spanish markers appear, or when any
// Spanish-only letter occurs. Everything else is en; the session locale can
// still be set explicitly through the request.
func DetectLocale(text string) string {
	if strings.ContainsAny(text, "ñ¿¡áéíóúü") {
		return "es"
	}
	hits := 0
	seen := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'")
		if _, ok := spanishMarkers[w]; !ok {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		hits++
		if hits >= 2 {
			return "es"
		}
	}
	return "en"
}
