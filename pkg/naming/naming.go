// Package naming derives physical identifiers (FK columns, junction tables,
// constraint and index names) from logical table and property names.
//
// Every function here is pure and deterministic: migration diffing re-derives
// names on every run instead of storing them, so identical logical inputs
// must always produce identical physical names, including the hash-shortened
// forms used when a name exceeds an engine's identifier limit.
package naming

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// Identifier length limits per engine.
const (
	PostgresIdentifierLimit = 63
	MySQLIdentifierLimit    = 64
)

// hashLen is the number of hex chars of md5 kept in shortened names.
const hashLen = 8

// Direction disambiguates the two foreign keys of a junction table.
type Direction string

const (
	DirectionSource Direction = "src"
	DirectionTarget Direction = "tgt"
)

// ForeignKeyColumn returns the physical column name holding a forward
// relation's reference: lowerCamel of the property name plus "Id".
func ForeignKeyColumn(propertyName string) string {
	return LowerCamel(propertyName) + "Id"
}

// InverseProperty derives the auto-generated inverse property name for a
// relation back-reference: the pluralized source table name in lowerCamel.
func InverseProperty(sourceTable string) string {
	return LowerCamel(inflection.Plural(sourceTable))
}

// JunctionTableName returns the physical name of the junction table backing a
// many-to-many relation. The canonical form is "{source}_{property}_{target}";
// past the identifier limit it collapses to truncated abbreviations plus a
// content hash of the full canonical name, so re-migration always re-derives
// the same name.
func JunctionTableName(source, property, target string, limit int) string {
	full := source + "_" + property + "_" + target
	if len(full) <= limit {
		return full
	}
	h := contentHash(full)
	abbr := abbrev(source) + "_" + abbrev(property) + "_" + abbrev(target) + "_" + h
	if len(abbr) > limit {
		abbr = abbr[:limit-hashLen-1] + "_" + h
	}
	return abbr
}

// ForeignKeyConstraintName returns the constraint name for a table's FK
// column, shortened deterministically past the identifier limit.
func ForeignKeyConstraintName(table, column string, limit int) string {
	return shorten("fk_"+table+"_"+column, limit)
}

// JunctionConstraintName returns the constraint name for one side of a
// junction table's composite FK pair, disambiguated by direction.
func JunctionConstraintName(junctionTable string, dir Direction, limit int) string {
	return shorten("fk_"+junctionTable+"_"+string(dir), limit)
}

// IndexName returns the index name for a column group. Unique groups get an
// "uq_" prefix, plain groups "idx_".
func IndexName(table string, columns []string, unique bool, limit int) string {
	prefix := "idx_"
	if unique {
		prefix = "uq_"
	}
	return shorten(prefix+table+"_"+strings.Join(columns, "_"), limit)
}

// LowerCamel converts a snake_case name to lowerCamelCase. Names already in
// camel case pass through unchanged.
func LowerCamel(name string) string {
	if name == "" {
		return ""
	}
	parts := strings.Split(name, "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(p)
			continue
		}
		r := []rune(p)
		b.WriteRune(unicode.ToUpper(r[0]))
		b.WriteString(string(r[1:]))
	}
	out := b.String()
	if out == "" {
		return name
	}
	r := []rune(out)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}

// Shorten keeps a name unchanged while it fits the identifier limit,
// otherwise replaces the tail with a content hash of the full name.
func Shorten(name string, limit int) string {
	return shorten(name, limit)
}

// shorten keeps a name unchanged while it fits, otherwise replaces the tail
// with a content hash of the full name.
func shorten(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	h := contentHash(name)
	return name[:limit-hashLen-1] + "_" + h
}

// abbrev truncates a name fragment to at most 10 chars for shortened
// junction names.
func abbrev(s string) string {
	const max = 10
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func contentHash(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:hashLen]
}
