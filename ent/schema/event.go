package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Event holds the schema definition for the Event entity: an immutable,
// append-only record on a worldline's timeline.
type Event struct {
	ent.Schema
}

func (Event) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("event_id").
			Unique().
			Immutable(),
		field.String("worldline_id").
			Immutable(),
		field.String("parent_event_id").
			Optional().
			Nillable().
			Immutable(),
		field.Enum("type").
			Values(
				"user_message", "assistant_plan", "assistant_message",
				"tool_call_sql", "tool_result_sql",
				"tool_call_python", "tool_result_python",
				"tool_call_subagents", "tool_result_subagents",
				"time_travel", "worldline_created", "csv_import",
				"external_db_attached", "external_db_detached",
			).
			Immutable(),
		field.JSON("payload", map[string]interface{}{}).
			Immutable(),
		// rowid is the monotonic local order key used for "events since rowid"
		// windows; Postgres' own hidden ctid isn't stable enough to expose, so
		// this is a plain serial column populated by the migration.
		field.Int64("row_id").
			Immutable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (Event) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("worldline", Worldline.Type).
			Ref("events").
			Field("worldline_id").
			Unique().
			Required().
			Immutable(),
	}
}

func (Event) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("worldline_id", "row_id"),
		index.Fields("parent_event_id"),
	}
}
