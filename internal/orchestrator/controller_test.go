package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasectl/internal/audit"
	"github.com/fyrsmithlabs/phasectl/internal/budget"
	"github.com/fyrsmithlabs/phasectl/internal/checkpoint"
	"github.com/fyrsmithlabs/phasectl/internal/executor"
	"github.com/fyrsmithlabs/phasectl/internal/gate"
	"github.com/fyrsmithlabs/phasectl/internal/registry"
	"github.com/fyrsmithlabs/phasectl/internal/selector"
	"github.com/fyrsmithlabs/phasectl/internal/telemetry"
	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

type binding struct {
	handler   agent.Handler
	baseUnits int64
}

type harness struct {
	journal *checkpoint.Store
	ctrl    *Controller
}

func testConfig() Config {
	return Config{
		Executor:          executor.Config{Timeout: 2 * time.Second},
		Workers:           2,
		MaxEscalations:    1,
		CompactOnBoundary: true,
		Estimator:         budget.Estimator{CharsPerUnit: 4, DefaultUnits: 10},
		TotalUnits:        10000,
	}
}

func newHarness(t *testing.T, dir string, cfg Config, gates gate.Config, bindings map[agent.Capability]binding) *harness {
	t.Helper()

	reg := registry.New()
	if _, ok := bindings[agent.CapabilityGeneral]; !ok {
		bindings[agent.CapabilityGeneral] = binding{handler: output("general")}
	}
	for c, b := range bindings {
		require.NoError(t, reg.Register(c, b.handler, registry.WithBaseUnits(b.baseUnits)))
	}
	sel, err := selector.New(selector.DefaultRules(), reg)
	require.NoError(t, err)

	journal, err := checkpoint.NewStore(dir, zap.NewNop())
	require.NoError(t, err)

	ctrl, err := NewController(cfg, Deps{
		Registry:  reg,
		Selector:  sel,
		Validator: gate.New(gates, reg),
		Journal:   journal,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctrl.Shutdown(ctx)
	})
	return &harness{journal: journal, ctrl: ctrl}
}

func output(s string) agent.Handler {
	return agent.HandlerFunc(func(_ context.Context, _ agent.Task, _ agent.ContextSlice, _ agent.BudgetSlice) (*agent.Result, error) {
		return &agent.Result{Payload: map[string]any{"output": s}, UnitsConsumed: 5}, nil
	})
}

// sliceLog captures the slice each task was invoked with.
type sliceLog struct {
	mu     sync.Mutex
	slices map[string]agent.ContextSlice
	calls  map[string]int
}

func newSliceLog() *sliceLog {
	return &sliceLog{slices: make(map[string]agent.ContextSlice), calls: make(map[string]int)}
}

func (l *sliceLog) wrap(h agent.Handler) agent.Handler {
	return agent.HandlerFunc(func(ctx context.Context, task agent.Task, slice agent.ContextSlice, b agent.BudgetSlice) (*agent.Result, error) {
		l.mu.Lock()
		l.slices[task.ID] = slice
		l.calls[task.ID]++
		l.mu.Unlock()
		return h.Invoke(ctx, task, slice, b)
	})
}

func (l *sliceLog) slice(id string) agent.ContextSlice {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slices[id]
}

func (l *sliceLog) count(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[id]
}

func tddPlan() RunRequest {
	return RunRequest{
		InitialContext: map[string]string{"ticket": "Add a budget ledger."},
		Phases: []PhasePlan{
			{Phase: agent.PhasePlan, Tasks: []agent.Task{
				{ID: "spec", Description: "write the spec", RequiredCapability: agent.CapabilitySpecBuilder, InputContextKeys: []string{"ticket"}},
			}},
			{Phase: agent.PhaseRed, Tasks: []agent.Task{
				{ID: "tests", Description: "write failing tests", RequiredCapability: agent.CapabilityTDDImplementer, InputContextKeys: []string{"spec"}},
			}},
			{Phase: agent.PhaseGreen, Tasks: []agent.Task{
				{ID: "impl", Description: "make the tests pass", RequiredCapability: agent.CapabilityBackend, InputContextKeys: []string{"spec", "tests"}},
			}},
			{Phase: agent.PhaseRelease, Tasks: []agent.Task{
				{ID: "ship", Description: "tag the release", RequiredCapability: agent.CapabilityGitManager, InputContextKeys: []string{"impl"}},
			}},
		},
	}
}

func TestController_RunComplete(t *testing.T) {
	log := newSliceLog()
	h := newHarness(t, t.TempDir(), testConfig(), gate.Config{}, map[agent.Capability]binding{
		agent.CapabilitySpecBuilder:    {handler: log.wrap(output("the spec"))},
		agent.CapabilityTDDImplementer: {handler: log.wrap(output("red tests"))},
		agent.CapabilityBackend:        {handler: log.wrap(output("the implementation"))},
		agent.CapabilityGitManager:     {handler: log.wrap(output("v1.0.0"))},
	})

	var progress []PhaseProgress
	var pmu sync.Mutex
	h.ctrl.OnProgress(func(p PhaseProgress) {
		pmu.Lock()
		progress = append(progress, p)
		pmu.Unlock()
	})

	ctx := context.Background()
	st, err := h.ctrl.Run(ctx, tddPlan())
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateComplete, st.State)
	assert.NotEmpty(t, st.RunID)
	assert.NotEmpty(t, st.CheckpointRef)

	assert.Equal(t, map[string]string{"ticket": "Add a budget ledger."}, log.slice("spec").Entries)
	assert.Equal(t, map[string]string{"spec": "the spec", "tests": "red tests"}, log.slice("impl").Entries)
	assert.Equal(t, "the implementation", log.slice("ship").Entries["impl"])

	stored, err := h.journal.Load(ctx, st.RunID)
	require.NoError(t, err)
	require.Len(t, stored.Records, 4)
	for i, rec := range stored.Records {
		assert.Equal(t, uint64(i+1), rec.Seq)
		assert.Equal(t, audit.OutcomeSuccess, rec.Outcome)
		assert.Equal(t, int64(5), rec.UnitsConsumed)
	}
	require.Len(t, stored.Checkpoints, len(agent.AllPhases()))
	for i, cp := range stored.Checkpoints {
		assert.Equal(t, agent.AllPhases()[i], cp.Phase)
	}
	last := stored.LatestCheckpoint()
	assert.Equal(t, st.CheckpointRef, last.ID)
	assert.Equal(t, int64(20), last.BudgetSnapshot.ConsumedUnits)

	snap, err := h.journal.LoadContext(ctx, st.RunID, last.ContextSnapshotRef)
	require.NoError(t, err)
	assert.Contains(t, snap.Keys, "_summary.RELEASE")
	assert.NotContains(t, snap.Keys, "ship")

	got, err := h.ctrl.Status(ctx, st.RunID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateComplete, got.State)

	pmu.Lock()
	defer pmu.Unlock()
	require.NotEmpty(t, progress)
	final := progress[len(progress)-1]
	assert.Equal(t, agent.PhaseRelease, final.Phase)
	assert.Equal(t, ProgressCompleted, final.State)
	assert.Equal(t, 100, final.Percentage)
}

func TestController_Tracing(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	tt.Install(t)

	h := newHarness(t, t.TempDir(), testConfig(), gate.Config{}, map[agent.Capability]binding{
		agent.CapabilitySpecBuilder:    {handler: output("the spec")},
		agent.CapabilityTDDImplementer: {handler: output("red tests")},
		agent.CapabilityBackend:        {handler: output("the implementation")},
		agent.CapabilityGitManager:     {handler: output("v1.0.0")},
	})
	st, err := h.ctrl.Run(context.Background(), tddPlan())
	require.NoError(t, err)
	require.Equal(t, checkpoint.StateComplete, st.State)

	phases := tt.Spans("orchestrator.phase")
	require.Len(t, phases, len(agent.AllPhases()))
	for _, span := range phases {
		v, ok := telemetry.SpanAttr(span, "run.id")
		require.True(t, ok)
		assert.Equal(t, st.RunID, v.AsString())
	}

	tasks := tt.Spans("orchestrator.task")
	require.Len(t, tasks, 4)
	byID := make(map[string]trace.ReadOnlySpan, len(tasks))
	for _, span := range tasks {
		v, ok := telemetry.SpanAttr(span, "task.id")
		require.True(t, ok)
		byID[v.AsString()] = span
	}
	require.Contains(t, byID, "impl")
	capability, _ := telemetry.SpanAttr(byID["impl"], "capability")
	assert.Equal(t, string(agent.CapabilityBackend), capability.AsString())

	attempts := tt.Spans("executor.attempt")
	require.Len(t, attempts, 4)
	for _, span := range phases {
		if v, _ := telemetry.SpanAttr(span, "phase"); v.AsString() == string(agent.PhaseGreen) {
			assert.Equal(t, span.SpanContext().SpanID(), byID["impl"].Parent().SpanID())
		}
	}
}

func TestController_SamePhaseDependency(t *testing.T) {
	var mu sync.Mutex
	var order []string
	handler := agent.HandlerFunc(func(_ context.Context, task agent.Task, slice agent.ContextSlice, _ agent.BudgetSlice) (*agent.Result, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		if task.ID == "consumer" {
			if slice.Entries["draft"] != "from producer" {
				return nil, agent.Fatal(fmt.Errorf("unexpected slice %v", slice.Entries))
			}
		}
		return &agent.Result{Payload: map[string]any{"output": "from " + task.ID}, UnitsConsumed: 1}, nil
	})
	h := newHarness(t, t.TempDir(), testConfig(), gate.Config{}, map[agent.Capability]binding{
		agent.CapabilitySpecBuilder: {handler: handler},
	})

	st, err := h.ctrl.Run(context.Background(), RunRequest{Phases: []PhasePlan{
		{Phase: agent.PhasePlan, Tasks: []agent.Task{
			{ID: "consumer", RequiredCapability: agent.CapabilitySpecBuilder, InputContextKeys: []string{"draft"}, Priority: 9},
			{ID: "producer", RequiredCapability: agent.CapabilitySpecBuilder, OutputKey: "draft"},
		}},
	}})
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateComplete, st.State, st.Reason)
	assert.Equal(t, []string{"producer", "consumer"}, order)
}

func TestController_BoundedWorkers(t *testing.T) {
	var running, peak atomic.Int32
	handler := agent.HandlerFunc(func(_ context.Context, _ agent.Task, _ agent.ContextSlice, _ agent.BudgetSlice) (*agent.Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return &agent.Result{Payload: map[string]any{"output": "ok"}, UnitsConsumed: 1}, nil
	})
	h := newHarness(t, t.TempDir(), testConfig(), gate.Config{}, map[agent.Capability]binding{
		agent.CapabilitySpecBuilder: {handler: handler},
	})

	var tasks []agent.Task
	for i := 0; i < 6; i++ {
		tasks = append(tasks, agent.Task{ID: fmt.Sprintf("t%d", i), RequiredCapability: agent.CapabilitySpecBuilder})
	}
	st, err := h.ctrl.Run(context.Background(), RunRequest{Phases: []PhasePlan{{Phase: agent.PhasePlan, Tasks: tasks}}})
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateComplete, st.State)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestController_FailedPhaseBlocksNext(t *testing.T) {
	log := newSliceLog()
	fatal := agent.HandlerFunc(func(_ context.Context, _ agent.Task, _ agent.ContextSlice, _ agent.BudgetSlice) (*agent.Result, error) {
		return nil, agent.Fatal(errors.New("malformed ticket"))
	})
	h := newHarness(t, t.TempDir(), testConfig(), gate.Config{}, map[agent.Capability]binding{
		agent.CapabilitySpecBuilder:    {handler: log.wrap(fatal)},
		agent.CapabilityTDDImplementer: {handler: log.wrap(output("tests"))},
		agent.CapabilityBackend:        {handler: log.wrap(output("impl"))},
		agent.CapabilityGitManager:     {handler: log.wrap(output("tag"))},
	})

	ctx := context.Background()
	st, err := h.ctrl.Run(ctx, tddPlan())
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateFailed, st.State)
	assert.Equal(t, agent.PhasePlan, st.Phase)
	assert.Equal(t, agent.ErrorFatal, st.ErrorClass)
	assert.Contains(t, st.Reason, "malformed ticket")
	assert.Empty(t, st.CheckpointRef)

	assert.Equal(t, 1, log.count("spec"))
	assert.Zero(t, log.count("tests"))

	records, err := h.ctrl.Records(ctx, st.RunID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, audit.OutcomeFailed, records[0].Outcome)
}

func TestController_RetryCeiling(t *testing.T) {
	transient := agent.HandlerFunc(func(_ context.Context, _ agent.Task, _ agent.ContextSlice, _ agent.BudgetSlice) (*agent.Result, error) {
		return nil, agent.Transient(errors.New("upstream busy"))
	})
	cfg := testConfig()
	cfg.Executor.MaxRetries = 2
	h := newHarness(t, t.TempDir(), cfg, gate.Config{}, map[agent.Capability]binding{
		agent.CapabilitySpecBuilder: {handler: transient},
	})

	ctx := context.Background()
	st, err := h.ctrl.Run(ctx, RunRequest{Phases: []PhasePlan{
		{Phase: agent.PhasePlan, Tasks: []agent.Task{{ID: "spec", RequiredCapability: agent.CapabilitySpecBuilder}}},
	}})
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateFailed, st.State)
	assert.Equal(t, agent.ErrorTransient, st.ErrorClass)

	records, err := h.ctrl.Records(ctx, st.RunID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, audit.OutcomeRetried, records[0].Outcome)
	assert.Equal(t, audit.OutcomeRetried, records[1].Outcome)
	assert.Equal(t, audit.OutcomeFailed, records[2].Outcome)
}

func escalationAware() agent.Handler {
	return agent.HandlerFunc(func(_ context.Context, _ agent.Task, slice agent.ContextSlice, _ agent.BudgetSlice) (*agent.Result, error) {
		payload := map[string]any{"output": "draft"}
		if strings.Contains(slice.Entries[EscalationKey], "summary") {
			payload["summary"] = "the summary"
		}
		return &agent.Result{Payload: payload, UnitsConsumed: 3}, nil
	})
}

func TestController_QualityGateEscalation(t *testing.T) {
	log := newSliceLog()
	h := newHarness(t, t.TempDir(), testConfig(), gate.Config{}, map[agent.Capability]binding{
		agent.CapabilitySpecBuilder: {handler: log.wrap(escalationAware())},
	})

	ctx := context.Background()
	st, err := h.ctrl.Run(ctx, RunRequest{Phases: []PhasePlan{
		{Phase: agent.PhasePlan, Tasks: []agent.Task{
			{ID: "spec", RequiredCapability: agent.CapabilitySpecBuilder, RequiredOutputs: []string{"summary"}},
		}},
	}})
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateComplete, st.State, st.Reason)
	assert.Equal(t, 2, log.count("spec"))
	assert.Contains(t, log.slice("spec").Entries[EscalationKey], `missing required field "summary"`)

	records, err := h.ctrl.Records(ctx, st.RunID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, audit.OutcomeFailed, records[0].Outcome)
	assert.Equal(t, agent.ErrorQualityGate, records[0].ErrorClass)
	assert.Equal(t, 1, records[0].Attempt)
	assert.Equal(t, audit.OutcomeSuccess, records[1].Outcome)
	assert.Equal(t, 2, records[1].Attempt)
}

func TestController_QualityGateWithoutEscalation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEscalations = 0
	h := newHarness(t, t.TempDir(), cfg, gate.Config{
		RequiredFields: map[agent.Phase][]string{agent.PhasePlan: {"summary"}},
	}, map[agent.Capability]binding{
		agent.CapabilitySpecBuilder: {handler: escalationAware()},
	})

	st, err := h.ctrl.Run(context.Background(), RunRequest{Phases: []PhasePlan{
		{Phase: agent.PhasePlan, Tasks: []agent.Task{{ID: "spec", RequiredCapability: agent.CapabilitySpecBuilder}}},
	}})
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateFailed, st.State)
	assert.Equal(t, agent.ErrorQualityGate, st.ErrorClass)
	assert.Contains(t, st.Reason, "summary")
}

func TestController_BudgetDowngrade(t *testing.T) {
	log := newSliceLog()
	cfg := testConfig()
	cfg.TotalUnits = 100
	h := newHarness(t, t.TempDir(), cfg, gate.Config{}, map[agent.Capability]binding{
		agent.CapabilitySpecBuilder: {handler: log.wrap(output("expensive")), baseUnits: 500},
		agent.CapabilityGeneral:     {handler: log.wrap(output("cheap")), baseUnits: 5},
	})

	ctx := context.Background()
	st, err := h.ctrl.Run(ctx, RunRequest{Phases: []PhasePlan{
		{Phase: agent.PhasePlan, Tasks: []agent.Task{{ID: "spec", RequiredCapability: agent.CapabilitySpecBuilder}}},
	}})
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateComplete, st.State, st.Reason)
	assert.Equal(t, 1, log.count("spec"))

	records, err := h.ctrl.Records(ctx, st.RunID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, agent.CapabilityGeneral, records[0].HandlerTag)
	assert.Equal(t, int64(5), records[0].UnitsReserved)
}

func TestController_BudgetSliceCompaction(t *testing.T) {
	var doc strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&doc, "Sentence number %d describes how the ledger reserves units. ", i)
	}
	original := doc.String()

	log := newSliceLog()
	cfg := testConfig()
	cfg.PhaseCeilings = map[agent.Phase]int64{agent.PhasePlan: 200}
	h := newHarness(t, t.TempDir(), cfg, gate.Config{}, map[agent.Capability]binding{
		agent.CapabilitySpecBuilder: {handler: log.wrap(output("spec")), baseUnits: 10},
	})

	st, err := h.ctrl.Run(context.Background(), RunRequest{
		InitialContext: map[string]string{"doc": original},
		Phases: []PhasePlan{
			{Phase: agent.PhasePlan, Tasks: []agent.Task{
				{ID: "spec", RequiredCapability: agent.CapabilitySpecBuilder, InputContextKeys: []string{"doc"}},
			}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateComplete, st.State, st.Reason)

	got := log.slice("spec").Entries["doc"]
	assert.NotEmpty(t, got)
	assert.Less(t, len(got), len(original))
}

func TestController_BudgetExhausted(t *testing.T) {
	log := newSliceLog()
	cfg := testConfig()
	cfg.TotalUnits = 100
	h := newHarness(t, t.TempDir(), cfg, gate.Config{}, map[agent.Capability]binding{
		agent.CapabilitySpecBuilder: {handler: log.wrap(output("x")), baseUnits: 500},
		agent.CapabilityGeneral:     {handler: log.wrap(output("y")), baseUnits: 500},
	})

	ctx := context.Background()
	st, err := h.ctrl.Run(ctx, RunRequest{Phases: []PhasePlan{
		{Phase: agent.PhasePlan, Tasks: []agent.Task{{ID: "spec", RequiredCapability: agent.CapabilitySpecBuilder}}},
	}})
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateFailed, st.State)
	assert.Equal(t, agent.PhasePlan, st.Phase)
	assert.Equal(t, agent.ErrorBudgetExhausted, st.ErrorClass)
	assert.Zero(t, log.count("spec"))

	records, err := h.ctrl.Records(ctx, st.RunID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, agent.ErrorBudgetExhausted, records[0].ErrorClass)
	assert.Zero(t, records[0].UnitsConsumed)
}

func TestController_ResumeFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := newSliceLog()
	broken := agent.HandlerFunc(func(_ context.Context, _ agent.Task, _ agent.ContextSlice, _ agent.BudgetSlice) (*agent.Result, error) {
		return nil, agent.Fatal(errors.New("compiler crashed"))
	})
	h1 := newHarness(t, dir, testConfig(), gate.Config{}, map[agent.Capability]binding{
		agent.CapabilitySpecBuilder:    {handler: first.wrap(output("the spec"))},
		agent.CapabilityTDDImplementer: {handler: first.wrap(output("red tests"))},
		agent.CapabilityBackend:        {handler: first.wrap(broken)},
		agent.CapabilityGitManager:     {handler: first.wrap(output("v1"))},
	})

	st, err := h1.ctrl.Run(ctx, tddPlan())
	require.NoError(t, err)
	require.Equal(t, checkpoint.StateFailed, st.State)
	assert.Equal(t, agent.PhaseGreen, st.Phase)
	assert.Equal(t, agent.ErrorFatal, st.ErrorClass)
	require.NotEmpty(t, st.CheckpointRef)

	stored, err := h1.journal.Load(ctx, st.RunID)
	require.NoError(t, err)
	cp := stored.LatestCheckpoint()
	require.NotNil(t, cp)
	assert.Equal(t, agent.PhaseRed, cp.Phase)
	assert.Equal(t, st.CheckpointRef, cp.ID)

	second := newSliceLog()
	h2 := newHarness(t, dir, testConfig(), gate.Config{}, map[agent.Capability]binding{
		agent.CapabilitySpecBuilder:    {handler: second.wrap(output("the spec"))},
		agent.CapabilityTDDImplementer: {handler: second.wrap(output("red tests"))},
		agent.CapabilityBackend:        {handler: second.wrap(output("green impl"))},
		agent.CapabilityGitManager:     {handler: second.wrap(output("v1"))},
	})

	resumed, err := h2.ctrl.Resume(ctx, st.RunID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateComplete, resumed.State, resumed.Reason)
	assert.Equal(t, st.RunID, resumed.RunID)

	assert.Zero(t, second.count("spec"))
	assert.Zero(t, second.count("tests"))
	assert.Equal(t, 1, second.count("impl"))
	assert.Equal(t, map[string]string{"spec": "the spec", "tests": "red tests"}, second.slice("impl").Entries)

	records, err := h2.ctrl.Records(ctx, st.RunID)
	require.NoError(t, err)
	var impl []audit.Record
	for _, rec := range records {
		if rec.TaskID == "impl" {
			impl = append(impl, rec)
		}
	}
	require.Len(t, impl, 2)
	assert.Equal(t, 1, impl[0].Attempt)
	assert.Equal(t, audit.OutcomeFailed, impl[0].Outcome)
	assert.Equal(t, 2, impl[1].Attempt)
	assert.Equal(t, audit.OutcomeSuccess, impl[1].Outcome)

	_, err = h2.ctrl.Resume(ctx, st.RunID)
	assert.ErrorIs(t, err, ErrRunComplete)
}

func TestController_ResumeAfterFailedPlan(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	req := RunRequest{Phases: []PhasePlan{{Phase: agent.PhasePlan, Tasks: []agent.Task{
		{ID: "outline", Description: "outline the feature", RequiredCapability: agent.CapabilitySpecBuilder},
	}}}}

	failing := agent.HandlerFunc(func(context.Context, agent.Task, agent.ContextSlice, agent.BudgetSlice) (*agent.Result, error) {
		return nil, agent.Fatal(errors.New("malformed ticket"))
	})
	h1 := newHarness(t, dir, testConfig(), gate.Config{}, map[agent.Capability]binding{
		agent.CapabilitySpecBuilder: {handler: failing},
	})
	st, err := h1.ctrl.Run(ctx, req)
	require.NoError(t, err)
	require.Equal(t, checkpoint.StateFailed, st.State)
	assert.Equal(t, agent.PhasePlan, st.Phase)
	assert.Empty(t, req.Phases[0].Tasks[0].Phase, "caller's plan is not modified")

	stored, err := h1.journal.Load(ctx, st.RunID)
	require.NoError(t, err)
	var journaled RunRequest
	require.NoError(t, json.Unmarshal(stored.Header.Plan, &journaled))
	assert.Equal(t, agent.PhasePlan, journaled.Phases[0].Tasks[0].Phase)

	h2 := newHarness(t, dir, testConfig(), gate.Config{}, map[agent.Capability]binding{
		agent.CapabilitySpecBuilder: {handler: output("the outline")},
	})
	resumed, err := h2.ctrl.Resume(ctx, st.RunID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateComplete, resumed.State, resumed.Reason)
}

func blocking(started chan<- struct{}) agent.Handler {
	var once sync.Once
	return agent.HandlerFunc(func(ctx context.Context, _ agent.Task, _ agent.ContextSlice, _ agent.BudgetSlice) (*agent.Result, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func TestController_CancelledRunIsResumable(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, t.TempDir(), testConfig(), gate.Config{}, map[agent.Capability]binding{
		agent.CapabilitySpecBuilder: {handler: blocking(started)},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	st, err := h.ctrl.Run(ctx, RunRequest{Phases: []PhasePlan{
		{Phase: agent.PhasePlan, Tasks: []agent.Task{{ID: "spec", RequiredCapability: agent.CapabilitySpecBuilder}}},
	}})
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateResumable, st.State)
	assert.Equal(t, agent.PhasePlan, st.Phase)

	records, err := h.ctrl.Records(context.Background(), st.RunID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, agent.ErrorCancelled, records[0].ErrorClass)
}

func TestController_SubmitAndShutdown(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, t.TempDir(), testConfig(), gate.Config{}, map[agent.Capability]binding{
		agent.CapabilitySpecBuilder: {handler: blocking(started)},
	})

	ctx := context.Background()
	runID, err := h.ctrl.Submit(ctx, RunRequest{Phases: []PhasePlan{
		{Phase: agent.PhasePlan, Tasks: []agent.Task{{ID: "spec", RequiredCapability: agent.CapabilitySpecBuilder}}},
	}})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	running, err := h.ctrl.Status(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateRunning, running.State)
	assert.Equal(t, agent.PhasePlan, running.Phase)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.ctrl.Shutdown(shutdownCtx))

	st, err := h.ctrl.Status(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateResumable, st.State)

	_, err = h.ctrl.Submit(ctx, RunRequest{})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestController_RejectsDuplicatePlan(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, t.TempDir(), testConfig(), gate.Config{}, map[agent.Capability]binding{
		agent.CapabilitySpecBuilder: {handler: blocking(started)},
	})
	plan := func(desc string) RunRequest {
		return RunRequest{Phases: []PhasePlan{
			{Phase: agent.PhasePlan, Tasks: []agent.Task{{ID: "spec", Description: desc, RequiredCapability: agent.CapabilitySpecBuilder}}},
		}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan Status, 1)
	go func() {
		st, err := h.ctrl.Run(ctx, plan("write the spec"))
		assert.NoError(t, err)
		done <- st
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	_, dupErr := h.ctrl.Submit(context.Background(), plan("write the spec"))
	require.ErrorIs(t, dupErr, ErrDuplicateRun)

	// Task phases are filled in before comparison.
	withPhase := plan("write the spec")
	withPhase.Phases[0].Tasks[0].Phase = agent.PhasePlan
	_, err := h.ctrl.Submit(context.Background(), withPhase)
	require.ErrorIs(t, err, ErrDuplicateRun)

	other, err := h.ctrl.Submit(context.Background(), plan("write a different spec"))
	require.NoError(t, err)
	assert.NotEmpty(t, other)

	cancel()
	var first Status
	select {
	case first = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run never returned")
	}
	assert.Equal(t, checkpoint.StateResumable, first.State)
	assert.Contains(t, dupErr.Error(), first.RunID)

	h.ctrl.mu.Lock()
	defer h.ctrl.mu.Unlock()
	for _, id := range h.ctrl.plans {
		assert.NotEqual(t, first.RunID, id)
	}
}

func TestController_StatusOfInterruptedRun(t *testing.T) {
	h := newHarness(t, t.TempDir(), testConfig(), gate.Config{}, map[agent.Capability]binding{})
	ctx := context.Background()
	require.NoError(t, h.journal.CreateRun(ctx, checkpoint.RunHeader{RunID: "run-crashed", Plan: []byte(`{"phases":[]}`)}))
	require.NoError(t, h.journal.SetStatus(ctx, checkpoint.Status{RunID: "run-crashed", State: checkpoint.StateRunning, Phase: agent.PhaseRed}))

	st, err := h.ctrl.Status(ctx, "run-crashed")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateResumable, st.State)
	assert.Equal(t, agent.PhaseRed, st.Phase)

	_, err = h.ctrl.Status(ctx, "run-missing")
	assert.ErrorIs(t, err, checkpoint.ErrRunNotFound)
}

func TestController_RejectsInvalidPlan(t *testing.T) {
	h := newHarness(t, t.TempDir(), testConfig(), gate.Config{}, map[agent.Capability]binding{})

	_, err := h.ctrl.Run(context.Background(), RunRequest{Phases: []PhasePlan{
		{Phase: agent.PhasePlan, Tasks: []agent.Task{{ID: "a", Skills: []string{"go-style"}}}},
	}})
	assert.ErrorIs(t, err, ErrInvalidPlan)

	cfg := testConfig()
	cfg.TotalUnits = 0
	h2 := newHarness(t, t.TempDir(), cfg, gate.Config{}, map[agent.Capability]binding{})
	_, err = h2.ctrl.Run(context.Background(), RunRequest{})
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestController_SkillsReachHandler(t *testing.T) {
	log := newSliceLog()
	cfg := testConfig()
	cfg.Skills = map[string]string{"go-style": "prefer table-driven tests"}
	h := newHarness(t, t.TempDir(), cfg, gate.Config{}, map[agent.Capability]binding{
		agent.CapabilitySpecBuilder: {handler: log.wrap(output("ok"))},
	})

	st, err := h.ctrl.Run(context.Background(), RunRequest{Phases: []PhasePlan{
		{Phase: agent.PhasePlan, Tasks: []agent.Task{{ID: "spec", RequiredCapability: agent.CapabilitySpecBuilder, Skills: []string{"go-style"}}}},
	}})
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StateComplete, st.State)
	assert.Equal(t, map[string]string{"go-style": "prefer table-driven tests"}, log.slice("spec").Skills)
}

func TestEncodePayload(t *testing.T) {
	s, err := encodePayload(&agent.Result{Payload: map[string]any{"output": "plain"}})
	require.NoError(t, err)
	assert.Equal(t, "plain", s)

	s, err = encodePayload(&agent.Result{Payload: map[string]any{"output": "x", "files": []any{"a.go"}}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"output":"x","files":["a.go"]}`, s)

	s, err = encodePayload(nil)
	require.NoError(t, err)
	assert.Empty(t, s)
}
