package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// ChatTurnJob holds the schema definition for the ChatTurnJob entity: a
// durable record of a queued or executing turn, surviving process restart.
type ChatTurnJob struct {
	ent.Schema
}

func (ChatTurnJob) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("job_id").
			Unique().
			Immutable(),
		field.String("thread_id").
			Immutable(),
		field.String("worldline_id").
			Immutable(),
		field.JSON("request", map[string]interface{}{}).
			Immutable().
			Comment("message, provider, model, max_iterations"),

		field.String("parent_job_id").
			Optional().
			Nillable().
			Immutable(),
		field.String("fanout_group_id").
			Optional().
			Nillable().
			Immutable(),
		field.String("task_label").
			Optional().
			Nillable().
			Immutable(),
		field.String("parent_tool_call_id").
			Optional().
			Nillable().
			Immutable(),

		field.Enum("status").
			Values("queued", "running", "completed", "failed", "cancelled").
			Default("queued"),
		field.String("error").
			Optional().
			Nillable(),
		field.String("result_worldline_id").
			Optional().
			Nillable().
			Comment("May differ from input worldline due to branching (e.g. time_travel)"),
		field.JSON("result_summary", map[string]interface{}{}).
			Optional(),

		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("started_at").
			Optional().
			Nillable(),
		field.Time("completed_at").
			Optional().
			Nillable(),
	}
}

func (ChatTurnJob) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("worldline", Worldline.Type).
			Ref("jobs").
			Field("worldline_id").
			Unique().
			Required().
			Immutable(),
	}
}

func (ChatTurnJob) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("status", "created_at"),
		index.Fields("worldline_id"),
		index.Fields("fanout_group_id").
			Annotations(entsql.IndexWhere("fanout_group_id IS NOT NULL")),
	}
}
