package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Worldline holds the schema definition for the Worldline entity: one linear
// branch of conversation history, optionally forked from an event on another
// worldline.
type Worldline struct {
	ent.Schema
}

func (Worldline) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("worldline_id").
			Unique().
			Immutable(),
		field.String("thread_id").
			Immutable(),
		field.String("parent_worldline_id").
			Optional().
			Nillable().
			Immutable(),
		field.String("forked_from_event_id").
			Optional().
			Nillable().
			Immutable().
			Comment("Event in the parent worldline this branch forked from"),
		field.String("head_event_id").
			Optional().
			Nillable().
			Comment("Most recently appended event on this worldline; moves forward only"),
		field.String("name").
			Optional(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (Worldline) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("thread", Thread.Type).
			Ref("worldlines").
			Field("thread_id").
			Unique().
			Required().
			Immutable(),
		edge.To("events", Event.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("snapshots", Snapshot.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("artifacts", Artifact.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("jobs", ChatTurnJob.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

func (Worldline) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("thread_id"),
		index.Fields("parent_worldline_id").
			Annotations(entsql.IndexWhere("parent_worldline_id IS NOT NULL")),
	}
}
