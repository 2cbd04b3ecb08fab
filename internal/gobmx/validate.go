// Package gobmx drives the public CURP lookup form and classifies its
// responses.
package gobmx

import (
	"regexp"
	"strings"
	"time"

	"curpsweep/internal/combi"
	"curpsweep/internal/curp"
)

// curpRe is the 18-character CURP shape: four name letters, YYMMDD, sex,
// five entity/consonant letters, homoclave, check digit.
var curpRe = regexp.MustCompile(`^[A-Z]{4}\d{6}[HM][A-Z]{5}[0-9A-Z]\d$`)

var curpSearchRe = regexp.MustCompile(`[A-Z]{4}\d{6}[HM][A-Z]{5}[0-9A-Z]\d`)

// tableCURPRe matches the result table cell that carries the CURP.
var tableCURPRe = regexp.MustCompile(`(?i)<td[^>]*>CURP:</td>\s*<td[^>]*>\s*([A-Z0-9]{18})\s*</td>`)

// tableDateRe matches the DD/MM/YYYY birth date cell when present.
var tableDateRe = regexp.MustCompile(`(?i)<td[^>]*>Fecha de nacimiento:[^<]*</td>\s*<td[^>]*>\s*(\d{2}/\d{2}/\d{4})\s*</td>`)

// noMatchIndicators are phrases the form renders when no record matches the
// submitted data. Matching is case-insensitive against the whole document.
var noMatchIndicators = []string{
	"los datos ingresados no son correctos",
	"aviso importante",
	"warningmenssage",
	"estimado/a usuario/a",
}

// IsValidCURP reports whether s has the standard 18-character CURP shape.
func IsValidCURP(s string) bool {
	return curpRe.MatchString(strings.ToUpper(strings.TrimSpace(s)))
}

// ExtractCURP finds the first CURP-shaped token anywhere in text.
func ExtractCURP(text string) (string, bool) {
	m := curpSearchRe.FindString(strings.ToUpper(text))
	if m == "" {
		return "", false
	}
	return m, true
}

// BirthDateFromCURP decodes positions 5-10 (YYMMDD) into YYYY-MM-DD. Years
// 00-30 map to 2000-2030, the rest to the 1900s.
func BirthDateFromCURP(c string) (string, bool) {
	if !IsValidCURP(c) {
		return "", false
	}
	c = strings.ToUpper(strings.TrimSpace(c))
	yy := c[4:6]
	mm := c[6:8]
	dd := c[8:10]
	century := "19"
	if yy <= "30" {
		century = "20"
	}
	parsed, err := time.Parse("2006-01-02", century+yy+"-"+mm+"-"+dd)
	if err != nil {
		return "", false
	}
	return parsed.Format("2006-01-02"), true
}

// StateNameFromCURP resolves the entity key at positions 12-13 to its catalog
// name.
func StateNameFromCURP(c string) (string, bool) {
	if !IsValidCURP(c) {
		return "", false
	}
	key := strings.ToUpper(strings.TrimSpace(c))[11:13]
	for _, st := range combi.Catalog {
		if st.CURPKey == key {
			return st.Name, true
		}
	}
	return "", false
}

// Classify turns a result page into an Outcome. An empty document is a
// transient error: the page never finished rendering.
func Classify(html string) curp.Outcome {
	if strings.TrimSpace(html) == "" {
		return curp.Outcome{Kind: curp.OutcomeTransient, Err: "empty result page"}
	}

	lower := strings.ToLower(html)
	for _, indicator := range noMatchIndicators {
		if strings.Contains(lower, indicator) {
			return curp.Outcome{Kind: curp.OutcomeNoMatch}
		}
	}

	found := ""
	if m := tableCURPRe.FindStringSubmatch(html); m != nil && IsValidCURP(m[1]) {
		found = strings.ToUpper(m[1])
	} else if c, ok := ExtractCURP(html); ok {
		found = c
	}
	if found == "" {
		// Neither a result table nor the error modal: the page is in an
		// unexpected state, likely mid-render or an interstitial.
		return curp.Outcome{Kind: curp.OutcomeTransient, Err: "unrecognized result page"}
	}

	out := curp.Outcome{Kind: curp.OutcomeMatch, CURP: found}
	if date, ok := BirthDateFromCURP(found); ok {
		out.BirthDate = date
	}
	if m := tableDateRe.FindStringSubmatch(html); m != nil {
		if parsed, err := time.Parse("02/01/2006", m[1]); err == nil {
			out.BirthDate = parsed.Format("2006-01-02")
		}
	}
	if name, ok := StateNameFromCURP(found); ok {
		out.StateName = name
	}
	return out
}
