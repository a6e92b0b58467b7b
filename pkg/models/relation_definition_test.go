package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRelationTypeValid(t *testing.T) {
	for _, rt := range RelationTypes() {
		assert.True(t, rt.Valid(), "expected %q to be valid", rt)
	}
	assert.False(t, RelationType("has-many").Valid())
	assert.False(t, RelationType("").Valid())
}

func TestRelationTypeInverse(t *testing.T) {
	assert.Equal(t, RelationOneToMany, RelationManyToOne.Inverse())
	assert.Equal(t, RelationManyToOne, RelationOneToMany.Inverse())
	assert.Equal(t, RelationOneToOne, RelationOneToOne.Inverse())
	assert.Equal(t, RelationManyToMany, RelationManyToMany.Inverse())
}

func TestRelationTypeOwnsForeignKey(t *testing.T) {
	assert.True(t, RelationManyToOne.OwnsForeignKey())
	assert.True(t, RelationOneToOne.OwnsForeignKey())
	assert.True(t, RelationManyToMany.OwnsForeignKey())
	assert.False(t, RelationOneToMany.OwnsForeignKey())
}

func TestEffectiveOnDelete(t *testing.T) {
	tests := []struct {
		name string
		rel  RelationDefinition
		want DeletePolicy
	}{
		{"explicit cascade wins", RelationDefinition{OnDelete: DeleteCascade, IsNullable: true}, DeleteCascade},
		{"nullable defaults to set null", RelationDefinition{IsNullable: true}, DeleteSetNull},
		{"required defaults to restrict", RelationDefinition{IsNullable: false}, DeleteRestrict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rel.EffectiveOnDelete())
		})
	}
}
