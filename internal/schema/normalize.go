package schema

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/rzpsarthak13/sheetsync/internal/core"
)

var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// NormalizeHeader turns a display header into a column key: diacritics are
// stripped, runs of non-alphanumerics become single spaces, the result is
// trimmed and lowercased and the words are joined in lowerCamel form.
// "Fecha de Instalación" becomes "fechaDeInstalacion".
func NormalizeHeader(header string) string {
	stripped, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn))), header)
	if err != nil {
		stripped = header
	}
	clean := strings.ToLower(strings.TrimSpace(nonAlphanumeric.ReplaceAllString(stripped, " ")))
	if clean == "" {
		return ""
	}

	words := strings.Fields(clean)
	var b strings.Builder
	for i, w := range words {
		if i == 0 {
			b.WriteString(w)
			continue
		}
		b.WriteString(strings.ToUpper(w[:1]))
		b.WriteString(w[1:])
	}
	return b.String()
}

// GuessColumnType infers a column type from its key.
func GuessColumnType(key string) core.ColumnType {
	if key == "estado" {
		return core.ColumnEnum
	}
	if strings.Contains(key, "fecha") {
		return core.ColumnDate
	}
	return core.ColumnText
}

// BuildColumns derives ordered column definitions from template headers.
// Headers that normalize to nothing become "field<N>" with N the 1-based
// header position. Repeated keys get an increasing numeric suffix starting
// at 2, skipping suffixes already taken. An identifier column is prepended
// when no header maps to it.
func BuildColumns(headers []string) []core.Column {
	taken := make(map[string]bool, len(headers))
	counts := make(map[string]int, len(headers))
	columns := make([]core.Column, 0, len(headers)+1)

	for i, header := range headers {
		base := NormalizeHeader(header)
		if base == "" {
			base = fmt.Sprintf("field%d", i+1)
		}

		key := base
		for n := counts[base]; taken[key]; n++ {
			key = fmt.Sprintf("%s%d", base, n+1)
		}
		counts[base]++
		taken[key] = true

		columns = append(columns, core.Column{
			Key:         key,
			DisplayName: header,
			Type:        GuessColumnType(key),
			Required:    key == "nombre",
			Order:       i + 1,
		})
	}

	if !taken[core.IDColumn] {
		columns = append([]core.Column{{
			Key:         core.IDColumn,
			DisplayName: core.IDColumn,
			Type:        core.ColumnText,
			Required:    true,
			Order:       0,
		}}, columns...)
	}
	return columns
}
