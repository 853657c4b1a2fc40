package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Artifact holds the schema definition for the Artifact entity: a file
// produced inside a sandbox execution, owned by the producing event.
type Artifact struct {
	ent.Schema
}

func (Artifact) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("artifact_id").
			Unique().
			Immutable(),
		field.String("worldline_id").
			Immutable(),
		field.String("event_id").
			Immutable().
			Comment("Producing tool_result_python event"),
		field.Enum("type").
			Values("image", "csv", "pdf", "md", "file").
			Immutable(),
		field.String("name").
			Immutable(),
		field.String("path").
			Immutable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (Artifact) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("worldline", Worldline.Type).
			Ref("artifacts").
			Field("worldline_id").
			Unique().
			Required().
			Immutable(),
	}
}

func (Artifact) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("event_id"),
	}
}
