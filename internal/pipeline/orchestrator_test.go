package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/agora/internal/crew"
	"go.uber.org/zap"
)

// fakeCrew maps a fixed role set onto fixed agent ids.
type fakeCrew struct {
	byRole map[crew.Role]string
	byID   map[string]crew.Role
}

func newFakeCrew() *fakeCrew {
	fc := &fakeCrew{
		byRole: map[crew.Role]string{
			crew.RoleLead:        "lead-1",
			crew.RoleImplementer: "impl-1",
			crew.RoleDeployer:    "deploy-1",
		},
		byID: map[string]crew.Role{},
	}
	for role, id := range fc.byRole {
		fc.byID[id] = role
	}
	return fc
}

func (f *fakeCrew) AgentFor(role crew.Role) (string, bool) {
	id, ok := f.byRole[role]
	return id, ok
}

func (f *fakeCrew) RoleOf(agentID string) (crew.Role, bool) {
	role, ok := f.byID[agentID]
	return role, ok
}

// fakeCourier records delivered instructions.
type fakeCourier struct {
	mu   sync.Mutex
	sent []instruction
	deaf bool
}

type instruction struct {
	agentID string
	text    string
}

func (c *fakeCourier) Instruct(agentID, text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deaf {
		return false
	}
	c.sent = append(c.sent, instruction{agentID, text})
	return true
}

func (c *fakeCourier) to(agentID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, i := range c.sent {
		if i.agentID == agentID {
			out = append(out, i.text)
		}
	}
	return out
}

func (c *fakeCourier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// fakeVerifier replays scripted outcomes in order.
type fakeVerifier struct {
	mu      sync.Mutex
	results []verdictOrErr
	calls   int
}

type verdictOrErr struct {
	v   *Verdict
	err error
}

func (f *fakeVerifier) Verify(_ context.Context, _, _ string) (*Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return &Verdict{Passed: true, Report: "ok"}, nil
	}
	next := f.results[0]
	f.results = f.results[1:]
	return next.v, next.err
}

func testConfig() Config {
	return Config{
		StageTimeout:     time.Minute,
		MaxRetries:       1,
		CooldownDuration: time.Minute,
		SilenceThreshold: time.Minute,
	}
}

func newTestOrchestrator(verifier Verifier) (*Orchestrator, *fakeCourier) {
	courier := &fakeCourier{}
	o := NewOrchestrator(testConfig(), newFakeCrew(), courier, verifier, nil, nil, zap.NewNop())
	return o, courier
}

func mustStage(t *testing.T, o *Orchestrator, id string, want Stage) {
	t.Helper()
	p, ok := o.Get(id)
	if !ok {
		t.Fatalf("project %s missing", id)
	}
	if p.Stage != want {
		t.Fatalf("expected stage %s, got %s", want, p.Stage)
	}
}

func TestFullPipelineRun(t *testing.T) {
	ctx := context.Background()
	verifier := &fakeVerifier{results: []verdictOrErr{
		{v: &Verdict{Passed: false, Report: "button broken"}},
		{v: &Verdict{Passed: true, Report: "all good"}},
	}}
	o, courier := newTestOrchestrator(verifier)

	// Start: lead is prompted with the requirements.
	if _, err := o.StartProject(ctx, "p1", "build a landing page"); err != nil {
		t.Fatalf("start: %v", err)
	}
	mustStage(t, o, "p1", StageWaitingLead)
	leadPrompts := courier.to("lead-1")
	if len(leadPrompts) != 1 || !strings.Contains(leadPrompts[0], "build a landing page") {
		t.Fatalf("expected lead prompted with requirements, got %v", leadPrompts)
	}

	// Lead plan advances to the implementer with the plan embedded.
	o.HandleMessage(ctx, "lead-1", "Plan: scaffold, build, ship")
	mustStage(t, o, "p1", StageWaitingImplementer)
	implPrompts := courier.to("impl-1")
	if len(implPrompts) != 1 || !strings.Contains(implPrompts[0], "Plan: scaffold, build, ship") {
		t.Fatalf("expected implementer given the plan, got %v", implPrompts)
	}

	// Implementation without a URL auto-passes QA and reaches the deployer.
	o.HandleMessage(ctx, "impl-1", "Implementation finished, code pushed to main")
	mustStage(t, o, "p1", StageWaitingDeployer)
	p, _ := o.Get("p1")
	if len(p.QAReports) != 1 || !p.QAReports[0].AutoPass || !p.QAReports[0].Passed {
		t.Fatalf("expected one auto-passed gate, got %+v", p.QAReports)
	}
	if verifier.calls != 0 {
		t.Fatalf("expected no verify call without a URL, got %d", verifier.calls)
	}

	// First deployment fails QA: back to the deployer with the report.
	o.HandleMessage(ctx, "deploy-1", "deployed to https://p1.example.com")
	mustStage(t, o, "p1", StageWaitingDeployer)
	p, _ = o.Get("p1")
	if p.Retries[StageQAPostDeploy] != 1 {
		t.Fatalf("expected 1 retry recorded, got %d", p.Retries[StageQAPostDeploy])
	}
	deployPrompts := courier.to("deploy-1")
	last := deployPrompts[len(deployPrompts)-1]
	if !strings.Contains(last, "button broken") {
		t.Fatalf("expected QA report relayed to deployer, got %q", last)
	}

	// Second deployment passes and completes the project.
	o.HandleMessage(ctx, "deploy-1", "fixed, redeployed to https://p1.example.com")
	mustStage(t, o, "p1", StageCompleted)
	if verifier.calls != 2 {
		t.Errorf("expected 2 verify calls, got %d", verifier.calls)
	}
}

func TestDuplicateProjectRejected(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(&fakeVerifier{})
	if _, err := o.StartProject(ctx, "p1", "x"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := o.StartProject(ctx, "p1", "y"); err == nil {
		t.Fatal("expected duplicate project error")
	}
}

func TestVerifierErrorAutoPasses(t *testing.T) {
	ctx := context.Background()
	verifier := &fakeVerifier{results: []verdictOrErr{
		{err: errors.New("verifier down")},
	}}
	o, _ := newTestOrchestrator(verifier)

	o.StartProject(ctx, "p1", "reqs")
	o.HandleMessage(ctx, "lead-1", "the plan")
	o.HandleMessage(ctx, "impl-1", "demo at https://stage.example.com")

	// Gate ran against the URL, verifier failed, project still advanced.
	mustStage(t, o, "p1", StageWaitingDeployer)
	p, _ := o.Get("p1")
	if len(p.QAReports) != 1 || !p.QAReports[0].AutoPass {
		t.Fatalf("expected auto-passed gate, got %+v", p.QAReports)
	}
}

func TestQAFailureExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	verifier := &fakeVerifier{results: []verdictOrErr{
		{v: &Verdict{Passed: false, Report: "broken"}},
		{v: &Verdict{Passed: false, Report: "still broken"}},
	}}
	o, _ := newTestOrchestrator(verifier) // MaxRetries: 1

	o.StartProject(ctx, "p1", "reqs")
	o.HandleMessage(ctx, "lead-1", "plan")
	o.HandleMessage(ctx, "impl-1", "built https://app.example.com")
	mustStage(t, o, "p1", StageWaitingImplementer)

	o.HandleMessage(ctx, "impl-1", "rebuilt https://app.example.com")
	mustStage(t, o, "p1", StageFailed)
}

func TestLoopChatterDiscarded(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(&fakeVerifier{})
	o.StartProject(ctx, "p1", "reqs")

	o.HandleMessage(ctx, "lead-1", "I'm ready for the next task")
	mustStage(t, o, "p1", StageWaitingLead)
	p, _ := o.Get("p1")
	if p.LeadPlan != "" {
		t.Errorf("expected no plan captured, got %q", p.LeadPlan)
	}
}

func TestUnknownSenderIgnored(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(&fakeVerifier{})
	o.StartProject(ctx, "p1", "reqs")

	o.HandleMessage(ctx, "stranger", "here is a plan")
	mustStage(t, o, "p1", StageWaitingLead)
}

func TestWrongRoleDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(&fakeVerifier{})
	o.StartProject(ctx, "p1", "reqs")

	// Deployer output while waiting for the lead matches no project.
	o.HandleMessage(ctx, "deploy-1", "deployed something")
	mustStage(t, o, "p1", StageWaitingLead)
}

func TestOldestProjectWinsArtifact(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(&fakeVerifier{})
	o.StartProject(ctx, "p-old", "first")
	time.Sleep(5 * time.Millisecond)
	o.StartProject(ctx, "p-new", "second")

	o.HandleMessage(ctx, "lead-1", "plan for the first project")

	old, _ := o.Get("p-old")
	if old.LeadPlan == "" {
		t.Error("expected the oldest project to capture the artifact")
	}
	fresh, _ := o.Get("p-new")
	if fresh.LeadPlan != "" {
		t.Error("expected the newer project untouched")
	}
}

func TestSweepTimeoutsRepromptsThenFails(t *testing.T) {
	ctx := context.Background()
	o, courier := newTestOrchestrator(&fakeVerifier{})
	o.StartProject(ctx, "p1", "reqs")
	before := courier.count()

	late := time.Now().Add(2 * time.Minute)
	o.SweepTimeouts(ctx, late)
	mustStage(t, o, "p1", StageWaitingLead)
	if courier.count() != before+1 {
		t.Fatalf("expected one re-prompt, got %d new", courier.count()-before)
	}
	p, _ := o.Get("p1")
	if p.Retries[StageWaitingLead] != 1 {
		t.Fatalf("expected retry recorded, got %d", p.Retries[StageWaitingLead])
	}

	// Retries exhausted on the next expiry.
	later := late.Add(2 * time.Minute)
	o.SweepTimeouts(ctx, later)
	mustStage(t, o, "p1", StageFailed)
}

func TestSweepTimeoutsSkipsFresh(t *testing.T) {
	ctx := context.Background()
	o, courier := newTestOrchestrator(&fakeVerifier{})
	o.StartProject(ctx, "p1", "reqs")
	before := courier.count()

	o.SweepTimeouts(ctx, time.Now())
	if courier.count() != before {
		t.Error("expected no re-prompt before the deadline")
	}
}

func TestCooldownHoldsAndResumesOnce(t *testing.T) {
	ctx := context.Background()
	o, courier := newTestOrchestrator(&fakeVerifier{})
	o.StartProject(ctx, "p1", "reqs")

	// The engaged lead reports a throttle: cooldown holds its prompt.
	o.HandleMessage(ctx, "lead-1", "Error 429: too many requests")
	cds := o.Cooldowns()
	if len(cds) != 1 {
		t.Fatalf("expected 1 cooldown, got %d", len(cds))
	}
	if cds[0].Role != crew.RoleLead || cds[0].HeldInstruction == "" {
		t.Fatalf("expected lead cooldown holding the prompt, got %+v", cds[0])
	}

	// Still in the window: nothing is reissued.
	before := courier.count()
	o.SweepCooldowns(ctx, time.Now())
	if courier.count() != before {
		t.Fatal("expected no reissue before expiry")
	}

	// Expiry reissues the held instruction exactly once.
	expired := time.Now().Add(2 * time.Minute)
	o.SweepCooldowns(ctx, expired)
	if courier.count() != before+1 {
		t.Fatalf("expected one reissued instruction, got %d new", courier.count()-before)
	}
	o.SweepCooldowns(ctx, expired.Add(time.Minute))
	if courier.count() != before+1 {
		t.Error("expected no second reissue")
	}
	if len(o.Cooldowns()) != 0 {
		t.Error("expected cooldown cleared")
	}
}

func TestRealMessageLiftsCooldown(t *testing.T) {
	ctx := context.Background()
	o, courier := newTestOrchestrator(&fakeVerifier{})
	o.StartProject(ctx, "p1", "reqs")

	o.HandleMessage(ctx, "lead-1", "Error 429: too many requests")
	if len(o.Cooldowns()) != 1 {
		t.Fatal("expected lead cooldown")
	}

	// The lead comes back early with an actual plan: the artifact is
	// captured, the pipeline advances, and the cooldown is gone.
	o.HandleMessage(ctx, "lead-1", "Plan: scaffold, build, ship")
	mustStage(t, o, "p1", StageWaitingImplementer)
	p, _ := o.Get("p1")
	if p.LeadPlan != "Plan: scaffold, build, ship" {
		t.Errorf("expected plan captured, got %q", p.LeadPlan)
	}
	if len(o.Cooldowns()) != 0 {
		t.Fatal("expected cooldown lifted")
	}

	// Nothing stale is replayed after the window would have expired.
	before := courier.count()
	o.SweepCooldowns(ctx, time.Now().Add(2*time.Minute))
	if courier.count() != before {
		t.Error("expected no stale reissue after the lift")
	}
}

func TestHeldInstructionTracksLatestHandoff(t *testing.T) {
	ctx := context.Background()
	o, courier := newTestOrchestrator(&fakeVerifier{})

	// p1 reaches the implementer, who then throttles.
	o.StartProject(ctx, "p1", "first")
	o.HandleMessage(ctx, "lead-1", "plan for the first project")
	o.HandleMessage(ctx, "impl-1", "rate limit exceeded")
	if len(o.Cooldowns()) != 1 {
		t.Fatal("expected implementer cooldown")
	}

	// p2's plan lands while the implementer cools: the handoff is held
	// and supersedes the instruction the cooldown snapshotted.
	o.StartProject(ctx, "p2", "second")
	o.HandleMessage(ctx, "lead-1", "plan for the second project")
	implBefore := len(courier.to("impl-1"))

	o.SweepCooldowns(ctx, time.Now().Add(2*time.Minute))
	prompts := courier.to("impl-1")
	if len(prompts) != implBefore+1 {
		t.Fatalf("expected one resumed instruction, got %d new", len(prompts)-implBefore)
	}
	if !strings.Contains(prompts[len(prompts)-1], "plan for the second project") {
		t.Fatalf("expected the latest handoff reissued, got %q", prompts[len(prompts)-1])
	}
}

func TestConcurrentPlansCaptureOnce(t *testing.T) {
	ctx := context.Background()
	o, courier := newTestOrchestrator(&fakeVerifier{})
	o.StartProject(ctx, "p1", "reqs")
	implBefore := len(courier.to("impl-1"))

	// Two plans race in: exactly one becomes the artifact and the
	// implementer is handed off exactly once.
	var wg sync.WaitGroup
	for _, plan := range []string{"plan alpha", "plan beta"} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			o.HandleMessage(ctx, "lead-1", text)
		}(plan)
	}
	wg.Wait()

	mustStage(t, o, "p1", StageWaitingImplementer)
	if got := len(courier.to("impl-1")) - implBefore; got != 1 {
		t.Fatalf("expected exactly one implementer handoff, got %d", got)
	}
}

func TestRateLimitFromIdleRoleIsNoop(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(&fakeVerifier{})
	o.StartProject(ctx, "p1", "reqs")

	// Deployer is not engaged while waiting for the lead.
	o.HandleMessage(ctx, "deploy-1", "rate limited again")
	if len(o.Cooldowns()) != 0 {
		t.Error("expected no cooldown for an unengaged role")
	}
}

func TestWatchdogNudgesOldestStalled(t *testing.T) {
	ctx := context.Background()
	o, courier := newTestOrchestrator(&fakeVerifier{})
	o.StartProject(ctx, "p1", "reqs")
	before := courier.count()

	// Recent traffic: watchdog stays quiet.
	o.Watchdog(ctx, time.Now())
	if courier.count() != before {
		t.Fatal("expected no nudge before the silence threshold")
	}

	// Past the threshold it nudges the lead about the stalled project.
	o.Watchdog(ctx, time.Now().Add(2*time.Minute))
	nudges := courier.to("lead-1")
	last := nudges[len(nudges)-1]
	if !strings.Contains(last, "p1") || !strings.Contains(last, "stalled") {
		t.Fatalf("expected stall nudge naming the project, got %q", last)
	}
}

func TestWatchdogSkipsDuringCooldown(t *testing.T) {
	ctx := context.Background()
	o, courier := newTestOrchestrator(&fakeVerifier{})
	o.StartProject(ctx, "p1", "reqs")
	o.HandleMessage(ctx, "lead-1", "429 too many requests")

	before := courier.count()
	o.Watchdog(ctx, time.Now().Add(2*time.Minute))
	if courier.count() != before {
		t.Error("expected watchdog silent during cooldown")
	}
}

func TestDiscoveryOnlyWhenIdle(t *testing.T) {
	ctx := context.Background()
	o, courier := newTestOrchestrator(&fakeVerifier{})

	o.Discovery(ctx)
	if courier.count() != 1 {
		t.Fatalf("expected a discovery prompt, got %d", courier.count())
	}

	o.StartProject(ctx, "p1", "reqs")
	before := courier.count()
	o.Discovery(ctx)
	if courier.count() != before {
		t.Error("expected discovery suppressed while a project is active")
	}
	o.DiscussionPrompt(ctx, "what should we build next?")
	if courier.count() != before {
		t.Error("expected discussion suppressed while a project is active")
	}
}

func TestProjectsOrderedOldestFirst(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(&fakeVerifier{})
	o.StartProject(ctx, "a", "x")
	time.Sleep(5 * time.Millisecond)
	o.StartProject(ctx, "b", "y")

	got := o.Projects()
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("expected oldest first, got %v", got)
	}
}
