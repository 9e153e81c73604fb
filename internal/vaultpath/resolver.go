// Package vaultpath derives canonical vault-relative file paths from record
// attributes. It is pure: no I/O, no clock reads.
package vaultpath

import (
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/starford/raido/internal/models"
)

// RecordsDir is the top-level directory all record files live under.
const RecordsDir = "records"

// Ext is the persistence file extension.
const Ext = ".md"

// maxSlugLen bounds the human-readable part of a filename.
const maxSlugLen = 60

// For returns the vault-relative path for a record:
//
//	records/<category>/<YYYY>/<MM>/<id>-<slug>.md
//
// Records are bucketed by lifecycle category, then by creation year/month, so
// directories stay bounded even after years of accumulation. The identifier
// keeps filenames globally unique; the slug keeps them human-scannable.
// Changing the category changes the resolved path, which the persistence
// adapter turns into a file move.
func For(rec models.Record) string {
	name := rec.ID
	if slug := Slug(rec.Title); slug != "" {
		name += "-" + slug
	}
	return path.Join(
		RecordsDir,
		string(rec.Category),
		fmt.Sprintf("%04d", rec.Created.UTC().Year()),
		fmt.Sprintf("%02d", int(rec.Created.UTC().Month())),
		name+Ext,
	)
}

// Slug turns a title into a bounded lowercase kebab-case fragment. Anything
// that is not a letter or digit collapses into a single hyphen.
func Slug(title string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
