package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Snapshot holds the schema definition for the Snapshot entity: a
// point-in-time copy of a worldline's analytical DB, keyed by the event at
// which it was captured, used to materialize historical (non-head) branches.
type Snapshot struct {
	ent.Schema
}

func (Snapshot) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("snapshot_id").
			Unique().
			Immutable(),
		field.String("worldline_id").
			Immutable(),
		field.String("event_id").
			Immutable(),
		field.String("db_path").
			Immutable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (Snapshot) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("worldline", Worldline.Type).
			Ref("snapshots").
			Field("worldline_id").
			Unique().
			Required().
			Immutable(),
	}
}

func (Snapshot) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("worldline_id", "event_id").
			Unique(),
	}
}
