package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/mohitkumar/chatflow/logger"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"go.uber.org/zap"
)

var (
	MExecutions  = stats.Int64("chatflow/executions", "executions reaching a state", stats.UnitDimensionless)
	MSteps       = stats.Int64("chatflow/steps", "steps reaching a state", stats.UnitDimensionless)
	MStepLatency = stats.Float64("chatflow/step_latency", "dispatch latency of a step", stats.UnitMilliseconds)
	MResumptions = stats.Int64("chatflow/resumptions", "external triggers received", stats.UnitDimensionless)

	KeyState    = tag.MustNewKey("state")
	KeyNodeType = tag.MustNewKey("node_type")
	KeyTrigger  = tag.MustNewKey("trigger")
	KeyResumed  = tag.MustNewKey("resumed")
)

var Views = []*view.View{
	{
		Name:        "chatflow/executions",
		Measure:     MExecutions,
		Description: "executions by state",
		TagKeys:     []tag.Key{KeyState},
		Aggregation: view.Count(),
	},
	{
		Name:        "chatflow/steps",
		Measure:     MSteps,
		Description: "steps by node type and state",
		TagKeys:     []tag.Key{KeyNodeType, KeyState},
		Aggregation: view.Count(),
	},
	{
		Name:        "chatflow/step_latency",
		Measure:     MStepLatency,
		Description: "step latency distribution by node type",
		TagKeys:     []tag.Key{KeyNodeType},
		Aggregation: view.Distribution(1, 5, 10, 50, 100, 500, 1000, 5000),
	},
	{
		Name:        "chatflow/resumptions",
		Measure:     MResumptions,
		Description: "triggers by kind and outcome",
		TagKeys:     []tag.Key{KeyTrigger, KeyResumed},
		Aggregation: view.Count(),
	},
}

func Register() error {
	return view.Register(Views...)
}

func Unregister() {
	view.Unregister(Views...)
}

func record(ctx context.Context, mutators []tag.Mutator, ms ...stats.Measurement) {
	if err := stats.RecordWithTags(ctx, mutators, ms...); err != nil {
		logger.Debug("error recording metric", zap.Error(err))
	}
}

func RecordExecution(ctx context.Context, state string) {
	record(ctx, []tag.Mutator{tag.Upsert(KeyState, state)}, MExecutions.M(1))
}

func RecordStep(ctx context.Context, nodeType string, state string, latency time.Duration) {
	record(ctx, []tag.Mutator{tag.Upsert(KeyNodeType, nodeType), tag.Upsert(KeyState, state)}, MSteps.M(1))
	record(ctx, []tag.Mutator{tag.Upsert(KeyNodeType, nodeType)}, MStepLatency.M(float64(latency)/float64(time.Millisecond)))
}

func RecordResumption(ctx context.Context, kind string, resumed bool) {
	record(ctx, []tag.Mutator{tag.Upsert(KeyTrigger, kind), tag.Upsert(KeyResumed, strconv.FormatBool(resumed))}, MResumptions.M(1))
}

type Row struct {
	Tags  map[string]string `json:"tags"`
	Count int64             `json:"count"`
	Sum   float64           `json:"sum,omitempty"`
	Mean  float64           `json:"mean,omitempty"`
}

// Snapshot returns the current rows of every registered view.
func Snapshot() map[string][]Row {
	out := make(map[string][]Row, len(Views))
	for _, v := range Views {
		rows, err := view.RetrieveData(v.Name)
		if err != nil {
			continue
		}
		list := make([]Row, 0, len(rows))
		for _, r := range rows {
			row := Row{Tags: make(map[string]string, len(r.Tags))}
			for _, t := range r.Tags {
				row.Tags[t.Key.Name()] = t.Value
			}
			switch d := r.Data.(type) {
			case *view.CountData:
				row.Count = d.Value
			case *view.DistributionData:
				row.Count = d.Count
				row.Mean = d.Mean
				row.Sum = d.Sum()
			case *view.SumData:
				row.Sum = d.Value
			case *view.LastValueData:
				row.Sum = d.Value
			}
			list = append(list, row)
		}
		out[v.Name] = list
	}
	return out
}
