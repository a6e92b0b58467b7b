package metadata

import (
	"regexp"
	"strings"

	libinjection "github.com/corazawaf/libinjection-go"
	"github.com/google/uuid"

	"github.com/enfyra/engine/pkg/apperrors"
	"github.com/enfyra/engine/pkg/config"
	"github.com/enfyra/engine/pkg/models"
)

// Backend-dependent primary key shape.
const (
	RelationalPrimaryName = "id"
	DocumentPrimaryName   = "_id"
)

var tableNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Managed column names the engine owns; operator specs may not redeclare them.
var reservedColumnNames = map[string]struct{}{
	"createdat": {},
	"updatedat": {},
}

// ValidateSpec checks a table mutation payload against the naming,
// primary-key, and relation-shape rules before any mutation begins.
// existing is the current full metadata set (used for duplicate-name and
// duplicate-inverse detection and target resolution); selfID is non-nil on
// update so the table's own rows are excluded from collision checks.
func ValidateSpec(spec *TableSpec, backend config.Backend, existing []*FullTable, selfID *uuid.UUID) error {
	if spec == nil {
		return apperrors.Validation("table spec is required")
	}
	if !tableNamePattern.MatchString(spec.Name) {
		return apperrors.Validation("table name %q must be lowercase snake_case (^[a-z0-9_]+$)", spec.Name).
			WithTable(spec.Name)
	}

	byName := make(map[string]*FullTable, len(existing))
	for _, t := range existing {
		byName[t.Table.Name] = t
	}

	if other, ok := byName[spec.Name]; ok {
		if selfID == nil || other.Table.ID != *selfID {
			return apperrors.Duplicate("table", spec.Name)
		}
	}

	if err := validateColumns(spec, backend); err != nil {
		return err
	}
	if err := validateRelations(spec, byName, selfID); err != nil {
		return err
	}
	if err := validatePropertyUniqueness(spec); err != nil {
		return err
	}
	if err := validateFieldGroups(spec); err != nil {
		return err
	}
	return nil
}

func validateColumns(spec *TableSpec, backend config.Backend) error {
	if len(spec.Columns) == 0 {
		return apperrors.Validation("table must declare at least one column").WithTable(spec.Name)
	}

	var primaries []ColumnSpec
	for _, col := range spec.Columns {
		if col.Name == "" {
			return apperrors.Validation("column name is required").WithTable(spec.Name)
		}
		if _, reserved := reservedColumnNames[strings.ToLower(col.Name)]; reserved {
			return apperrors.Validation("column %q is managed by the engine and cannot be declared", col.Name).
				WithTable(spec.Name).WithColumn(col.Name)
		}
		if !col.Type.Valid() {
			return apperrors.Validation("unknown column type %q", col.Type).
				WithTable(spec.Name).WithColumn(col.Name)
		}
		if col.Type == models.ColumnTypeEnum && len(col.Options) == 0 {
			return apperrors.Validation("enum column requires at least one option").
				WithTable(spec.Name).WithColumn(col.Name)
		}
		if col.Type != models.ColumnTypeEnum && len(col.Options) > 0 {
			return apperrors.Validation("options are only valid on enum columns").
				WithTable(spec.Name).WithColumn(col.Name)
		}
		if err := checkInjection(col.DefaultValue, col.Options); err != nil {
			return err.WithTable(spec.Name).WithColumn(col.Name)
		}
		if col.IsPrimary {
			primaries = append(primaries, col)
		}
	}

	if len(primaries) != 1 {
		return apperrors.Validation("table must have exactly one primary column, found %d", len(primaries)).
			WithTable(spec.Name)
	}

	primary := primaries[0]
	if !primary.Type.IsPrimaryCapable() {
		return apperrors.Validation("primary column type must be int or uuid, got %q", primary.Type).
			WithTable(spec.Name).WithColumn(primary.Name)
	}
	switch backend {
	case config.BackendMongoDB:
		if primary.Name != DocumentPrimaryName {
			return apperrors.Validation("document backend requires the primary column to be named %q", DocumentPrimaryName).
				WithTable(spec.Name).WithColumn(primary.Name)
		}
		if primary.Type != models.ColumnTypeUUID {
			return apperrors.Validation("document backend requires a uuid primary column, got %q", primary.Type).
				WithTable(spec.Name).WithColumn(primary.Name)
		}
	default:
		if primary.Name != RelationalPrimaryName {
			return apperrors.Validation("relational backends require the primary column to be named %q", RelationalPrimaryName).
				WithTable(spec.Name).WithColumn(primary.Name)
		}
	}
	if primary.IsNullable {
		return apperrors.Validation("primary column cannot be nullable").
			WithTable(spec.Name).WithColumn(primary.Name)
	}
	return nil
}

func validateRelations(spec *TableSpec, byName map[string]*FullTable, selfID *uuid.UUID) error {
	for _, rel := range spec.Relations {
		if rel.PropertyName == "" {
			return apperrors.Validation("relation property name is required").WithTable(spec.Name)
		}
		if !rel.Type.Valid() {
			return apperrors.Validation("unknown relation type %q", rel.Type).
				WithTable(spec.Name).WithRelation(rel.PropertyName)
		}
		if rel.Type == models.RelationOneToMany && (rel.InversePropertyName == nil || *rel.InversePropertyName == "") {
			return apperrors.Validation("one-to-many relation requires inversePropertyName (it pairs with an owning many-to-one side)").
				WithTable(spec.Name).WithRelation(rel.PropertyName)
		}

		target, err := resolveTargetForValidation(spec, rel.TargetTable, byName, selfID)
		if err != nil {
			return err
		}
		if target == nil {
			continue // self-reference to the table being created
		}

		// Duplicate-inverse detection: the mirrored relation may not already
		// be declared from the other side. Relations target tables by id, so
		// this can only trip on update (a brand-new table cannot be targeted
		// by existing rows yet).
		if selfID == nil {
			continue
		}
		for _, existing := range target.Relations {
			if existing.TargetTableID != *selfID {
				continue
			}
			if existing.Type == rel.Type.Inverse() {
				return apperrors.Validation(
					"relation %q on %q already declares the inverse of %q on %q; declare a relation on one side only",
					existing.PropertyName, target.Table.Name, rel.PropertyName, spec.Name).
					WithTable(spec.Name).WithRelation(rel.PropertyName)
			}
		}
	}
	return nil
}

// resolveTargetForValidation looks up the relation target. A nil, nil return
// means the relation points at the table currently being created.
func resolveTargetForValidation(spec *TableSpec, ref TableRef, byName map[string]*FullTable, selfID *uuid.UUID) (*FullTable, error) {
	if ref.ID == nil && ref.Name == "" {
		return nil, apperrors.Validation("relation target table is required").WithTable(spec.Name)
	}
	if ref.ID != nil {
		if selfID != nil && *ref.ID == *selfID {
			return nil, nil
		}
		for _, t := range byName {
			if t.Table.ID == *ref.ID {
				return t, nil
			}
		}
		return nil, apperrors.NotFound("target table", ref.ID.String()).WithTable(spec.Name)
	}
	if ref.Name == spec.Name {
		return nil, nil
	}
	t, ok := byName[ref.Name]
	if !ok {
		return nil, apperrors.NotFound("target table", ref.Name).WithTable(spec.Name)
	}
	return t, nil
}

func validatePropertyUniqueness(spec *TableSpec) error {
	seen := make(map[string]string) // lowercased -> original
	claim := func(name string) error {
		key := strings.ToLower(name)
		if prev, dup := seen[key]; dup {
			return apperrors.Validation("property name %q collides with %q (property names are case-insensitively unique per table)", name, prev).
				WithTable(spec.Name)
		}
		seen[key] = name
		return nil
	}
	for _, col := range spec.Columns {
		if err := claim(col.Name); err != nil {
			return err
		}
	}
	for _, rel := range spec.Relations {
		if err := claim(rel.PropertyName); err != nil {
			return err
		}
	}
	return nil
}

func validateFieldGroups(spec *TableSpec) error {
	known := make(map[string]struct{})
	for _, col := range spec.Columns {
		known[strings.ToLower(col.Name)] = struct{}{}
	}
	for _, rel := range spec.Relations {
		known[strings.ToLower(rel.PropertyName)] = struct{}{}
	}
	check := func(kind string, groups [][]string) error {
		for _, group := range groups {
			if len(group) == 0 {
				return apperrors.Validation("%s group cannot be empty", kind).WithTable(spec.Name)
			}
			for _, field := range group {
				if _, ok := known[strings.ToLower(field)]; !ok {
					return apperrors.Validation("%s group references unknown property %q", kind, field).
						WithTable(spec.Name)
				}
			}
		}
		return nil
	}
	if err := check("unique", spec.Uniques); err != nil {
		return err
	}
	return check("index", spec.Indexes)
}

// checkInjection runs operator-supplied literals that get spliced into DDL
// through libinjection before they ever reach a statement.
func checkInjection(defaultValue *string, options []string) *apperrors.Error {
	values := make([]string, 0, len(options)+1)
	if defaultValue != nil {
		values = append(values, *defaultValue)
	}
	values = append(values, options...)
	for _, v := range values {
		if isSQLi, fingerprint := libinjection.IsSQLi(v); isSQLi {
			return apperrors.Validation("value %q looks like a SQL injection attempt (fingerprint %s)", v, fingerprint)
		}
	}
	return nil
}
