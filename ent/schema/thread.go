package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
)

// Thread holds the schema definition for the Thread entity: the top-level
// conversation grouping that owns one or more worldlines.
type Thread struct {
	ent.Schema
}

func (Thread) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("thread_id").
			Unique().
			Immutable(),
		field.String("title").
			Optional(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (Thread) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("worldlines", Worldline.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}
