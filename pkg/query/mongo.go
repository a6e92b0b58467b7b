package query

import (
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/enfyra/engine/pkg/apperrors"
	"github.com/enfyra/engine/pkg/models"
)

// PipelineBuilder renders aggregation pipelines for the document backend:
// $match, one $lookup per requested relation (nested sub-pipelines for
// nested selections), $unwind for single-valued relations, then a $project
// restoring the requested shape.
type PipelineBuilder struct {
	meta MetadataSource
}

// NewPipelineBuilder builds a pipeline builder over the metadata cache.
func NewPipelineBuilder(meta MetadataSource) *PipelineBuilder {
	return &PipelineBuilder{meta: meta}
}

// Build renders the pipeline. Sort and pagination are pushed ahead of the
// lookups when no filter reaches through a relation, bounding the join
// working set; a relation filter forces them after the lookups since the
// join decides which documents match.
func (b *PipelineBuilder) Build(proj *Projection, filter FilterNode, sort []SortKey, skip, limit int64) (mongo.Pipeline, error) {
	var pipeline mongo.Pipeline

	relationFiltered := FiltersRelation(filter)
	scalarMatch, relationMatch, err := b.splitFilter(filter)
	if err != nil {
		return nil, err
	}
	if scalarMatch != nil {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: scalarMatch}})
	}
	if !relationFiltered {
		pipeline = append(pipeline, b.paginationStages(sort, skip, limit)...)
	}

	lookups, err := b.lookupStages(proj)
	if err != nil {
		return nil, err
	}
	pipeline = append(pipeline, lookups...)

	if relationMatch != nil {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: relationMatch}})
	}
	if relationFiltered {
		pipeline = append(pipeline, b.paginationStages(sort, skip, limit)...)
	}

	pipeline = append(pipeline, bson.D{{Key: "$project", Value: b.projection(proj)}})
	return pipeline, nil
}

func (b *PipelineBuilder) paginationStages(sort []SortKey, skip, limit int64) []bson.D {
	var stages []bson.D
	if len(sort) > 0 {
		keys := bson.D{}
		for _, key := range sort {
			dir := 1
			if key.Desc {
				dir = -1
			}
			keys = append(keys, bson.E{Key: key.Field, Value: dir})
		}
		stages = append(stages, bson.D{{Key: "$sort", Value: keys}})
	}
	if skip > 0 {
		stages = append(stages, bson.D{{Key: "$skip", Value: skip}})
	}
	if limit > 0 {
		stages = append(stages, bson.D{{Key: "$limit", Value: limit}})
	}
	return stages
}

// lookupStages renders one $lookup per projected relation, plus $unwind for
// single-valued ones.
func (b *PipelineBuilder) lookupStages(proj *Projection) ([]bson.D, error) {
	var stages []bson.D
	for _, rel := range proj.Relations {
		lookup, err := b.lookup(rel)
		if err != nil {
			return nil, err
		}
		stages = append(stages, bson.D{{Key: "$lookup", Value: lookup}})
		if !rel.Ref.ToMany {
			stages = append(stages, bson.D{{Key: "$unwind", Value: bson.D{
				{Key: "path", Value: "$" + rel.Ref.Name},
				{Key: "preserveNullAndEmptyArrays", Value: true},
			}}})
		}
	}
	return stages, nil
}

// lookup renders one $lookup in pipeline form. The linkage depends on which
// side stores the reference; the sub-pipeline recurses for nested relations.
func (b *PipelineBuilder) lookup(rel *RelationProjection) (bson.D, error) {
	ref := rel.Ref
	var let bson.D
	var match bson.D

	switch {
	case ref.Stored && !ref.ToMany:
		// This document stores the id: owned single references and the
		// stored inverse of an inbound one-to-many.
		prop := ref.Name
		if ref.Owned {
			prop = ref.Rel.PropertyName
		}
		let = bson.D{{Key: "ref", Value: "$" + prop}}
		match = exprMatch(bson.D{{Key: "$eq", Value: bson.A{"$_id", "$$ref"}}})

	case ref.Stored:
		// Owned many-to-many: this document stores an id array.
		let = bson.D{{Key: "refs", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$" + ref.Rel.PropertyName, bson.A{}}}}}}
		match = exprMatch(bson.D{{Key: "$in", Value: bson.A{"$_id", "$$refs"}}})

	case ref.Owned:
		// Owned one-to-many: the target stores this document's id under the
		// inverse property.
		let = bson.D{{Key: "id", Value: "$_id"}}
		match = exprMatch(bson.D{{Key: "$eq", Value: bson.A{"$" + *ref.Rel.InversePropertyName, "$$id"}}})

	case ref.Rel.Type == models.RelationManyToMany:
		// Inverse of an inbound many-to-many: the source stores id arrays.
		let = bson.D{{Key: "id", Value: "$_id"}}
		match = exprMatch(bson.D{{Key: "$in", Value: bson.A{
			"$$id", bson.D{{Key: "$ifNull", Value: bson.A{"$" + ref.Rel.PropertyName, bson.A{}}}},
		}}})

	default:
		// Inverse of an inbound single reference.
		let = bson.D{{Key: "id", Value: "$_id"}}
		match = exprMatch(bson.D{{Key: "$eq", Value: bson.A{"$" + ref.Rel.PropertyName, "$$id"}}})
	}

	sub := mongo.Pipeline{bson.D{{Key: "$match", Value: match}}}
	nested, err := b.lookupStages(rel.Sub)
	if err != nil {
		return nil, err
	}
	sub = append(sub, nested...)
	sub = append(sub, bson.D{{Key: "$project", Value: b.projection(rel.Sub)}})
	if !ref.ToMany {
		sub = append(sub, bson.D{{Key: "$limit", Value: 1}})
	}

	return bson.D{
		{Key: "from", Value: rel.Sub.Table.Table.Name},
		{Key: "let", Value: let},
		{Key: "pipeline", Value: sub},
		{Key: "as", Value: ref.Name},
	}, nil
}

func exprMatch(expr bson.D) bson.D {
	return bson.D{{Key: "$expr", Value: expr}}
}

// projection renders the $project document: requested scalars plus
// populated relations. The primary key maps to _id.
func (b *PipelineBuilder) projection(proj *Projection) bson.D {
	out := bson.D{}
	pk := proj.Table.PrimaryColumn()
	for _, col := range proj.Columns {
		if pk != nil && col == pk.Name {
			continue // _id is included by default
		}
		out = append(out, bson.E{Key: col, Value: 1})
	}
	for _, rel := range proj.Relations {
		out = append(out, bson.E{Key: rel.Ref.Name, Value: 1})
	}
	return out
}

// splitFilter translates the filter into $match documents, separating
// root-document conditions from conditions on looked-up relation paths.
// Either may be nil. A group mixing both kinds stays together on the
// relation side so its boolean structure survives.
func (b *PipelineBuilder) splitFilter(node FilterNode) (bson.D, bson.D, error) {
	if node == nil {
		return nil, nil, nil
	}
	if group, ok := node.(Group); ok && !group.Or {
		var scalar, relation bson.A
		for _, child := range group.Children {
			doc, err := b.matchDoc(child)
			if err != nil {
				return nil, nil, err
			}
			if FiltersRelation(child) {
				relation = append(relation, doc)
			} else {
				scalar = append(scalar, doc)
			}
		}
		return andDoc(scalar), andDoc(relation), nil
	}

	doc, err := b.matchDoc(node)
	if err != nil {
		return nil, nil, err
	}
	if FiltersRelation(node) {
		return nil, doc, nil
	}
	return doc, nil, nil
}

func andDoc(clauses bson.A) bson.D {
	switch len(clauses) {
	case 0:
		return nil
	case 1:
		return clauses[0].(bson.D)
	default:
		return bson.D{{Key: "$and", Value: clauses}}
	}
}

// matchDoc translates one filter node into a $match document.
func (b *PipelineBuilder) matchDoc(node FilterNode) (bson.D, error) {
	switch n := node.(type) {
	case Condition:
		return b.conditionDoc(n)
	case Group:
		op := "$and"
		if n.Or {
			op = "$or"
		}
		clauses := bson.A{}
		for _, child := range n.Children {
			doc, err := b.matchDoc(child)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, doc)
		}
		if len(clauses) == 0 {
			return bson.D{}, nil
		}
		return bson.D{{Key: op, Value: clauses}}, nil
	}
	return nil, apperrors.Validation("malformed filter")
}

func (b *PipelineBuilder) conditionDoc(cond Condition) (bson.D, error) {
	field := strings.Join(cond.Path, ".")

	var value any
	switch cond.Op {
	case OpEq:
		value = bson.D{{Key: "$eq", Value: cond.Value}}
	case OpNeq:
		value = bson.D{{Key: "$ne", Value: cond.Value}}
	case OpGt:
		value = bson.D{{Key: "$gt", Value: cond.Value}}
	case OpGte:
		value = bson.D{{Key: "$gte", Value: cond.Value}}
	case OpLt:
		value = bson.D{{Key: "$lt", Value: cond.Value}}
	case OpLte:
		value = bson.D{{Key: "$lte", Value: cond.Value}}
	case OpIn:
		value = bson.D{{Key: "$in", Value: cond.Value}}
	case OpNotIn:
		value = bson.D{{Key: "$nin", Value: cond.Value}}
	case OpContains:
		value = caseInsensitiveRegex(regexp.QuoteMeta(stringOperand(cond.Value)))
	case OpStartsWith:
		value = caseInsensitiveRegex("^" + regexp.QuoteMeta(stringOperand(cond.Value)))
	case OpEndsWith:
		value = caseInsensitiveRegex(regexp.QuoteMeta(stringOperand(cond.Value)) + "$")
	case OpBetween:
		list := cond.Value.([]any)
		value = bson.D{{Key: "$gte", Value: list[0]}, {Key: "$lte", Value: list[1]}}
	case OpIsNull:
		if cond.Value.(bool) {
			value = bson.D{{Key: "$eq", Value: nil}}
		} else {
			value = bson.D{{Key: "$ne", Value: nil}}
		}
	default:
		return nil, apperrors.Validation("unknown filter operator %q", cond.Op)
	}
	return bson.D{{Key: field, Value: value}}, nil
}

func caseInsensitiveRegex(pattern string) bson.D {
	return bson.D{{Key: "$regex", Value: pattern}, {Key: "$options", Value: "i"}}
}

func stringOperand(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
