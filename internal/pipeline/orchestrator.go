package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/agora/internal/crew"
	"go.uber.org/zap"
)

// Verdict is the outcome of one verification gate call.
type Verdict struct {
	Passed bool   `json:"passed"`
	Report string `json:"report"`
}

// Verifier checks a deployed URL against the project requirements.
type Verifier interface {
	Verify(ctx context.Context, url, requirements string) (*Verdict, error)
}

// Notifier forwards orchestration events to the human operator, best-effort.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Crew resolves pipeline roles to connected agent identities.
type Crew interface {
	AgentFor(role crew.Role) (string, bool)
	RoleOf(agentID string) (crew.Role, bool)
}

// Courier delivers a handoff instruction to an agent's channel.
type Courier interface {
	Instruct(agentID, text string) bool
}

// Snapshotter persists orchestrator state after mutations, best-effort.
type Snapshotter interface {
	SaveProject(ctx context.Context, p *Project) error
	SaveCooldowns(ctx context.Context, cds []*Cooldown) error
	LoadProjects(ctx context.Context) ([]*Project, error)
	LoadCooldowns(ctx context.Context) ([]*Cooldown, error)
}

// Cooldown is a timed suppression window for a throttled role, holding the
// instruction it was working on so work resumes after expiry.
type Cooldown struct {
	Role            crew.Role `json:"role"`
	AgentID         string    `json:"agent_id"`
	Until           time.Time `json:"until"`
	HeldInstruction string    `json:"held_instruction"`
	ProjectID       string    `json:"project_id,omitempty"`
}

// Config tunes the orchestrator's timers.
type Config struct {
	StageTimeout     time.Duration
	MaxRetries       int
	CooldownDuration time.Duration
	SilenceThreshold time.Duration
}

// DefaultConfig returns the stock timer set.
func DefaultConfig() Config {
	return Config{
		StageTimeout:     180 * time.Second,
		MaxRetries:       3,
		CooldownDuration: 5 * time.Minute,
		SilenceThreshold: 10 * time.Minute,
	}
}

// Orchestrator drives projects through the fixed pipeline, consuming routed
// inter-agent messages as stage artifacts.
type Orchestrator struct {
	mu          sync.Mutex
	projects    map[string]*Project
	cooldowns   map[crew.Role]*Cooldown
	lastTraffic time.Time

	cfg      Config
	crew     Crew
	courier  Courier
	verifier Verifier
	notifier Notifier
	snaps    Snapshotter
	logger   *zap.Logger
}

// NewOrchestrator wires the orchestrator. snaps may be nil to disable
// persistence; notifier may be nil to silence operator updates.
func NewOrchestrator(cfg Config, cr Crew, courier Courier, verifier Verifier,
	notifier Notifier, snaps Snapshotter, logger *zap.Logger) *Orchestrator {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 180 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.CooldownDuration <= 0 {
		cfg.CooldownDuration = 5 * time.Minute
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 10 * time.Minute
	}
	return &Orchestrator{
		projects:    make(map[string]*Project),
		cooldowns:   make(map[crew.Role]*Cooldown),
		lastTraffic: time.Now(),
		cfg:         cfg,
		crew:        cr,
		courier:     courier,
		verifier:    verifier,
		notifier:    notifier,
		snaps:       snaps,
		logger:      logger,
	}
}

// Restore reloads previously snapshotted projects so a restart resumes from
// the last known stage.
func (o *Orchestrator) Restore(ctx context.Context) {
	if o.snaps == nil {
		return
	}
	projects, err := o.snaps.LoadProjects(ctx)
	if err != nil {
		o.logger.Warn("project snapshot load failed", zap.Error(err))
		return
	}
	o.mu.Lock()
	for _, p := range projects {
		if p.Retries == nil {
			p.Retries = make(map[Stage]int)
		}
		o.projects[p.ID] = p
	}
	o.mu.Unlock()
	o.logger.Info("projects restored", zap.Int("count", len(projects)))

	cds, err := o.snaps.LoadCooldowns(ctx)
	if err != nil {
		o.logger.Warn("cooldown snapshot load failed", zap.Error(err))
		return
	}
	now := time.Now()
	o.mu.Lock()
	for _, cd := range cds {
		if cd.Until.After(now) {
			o.cooldowns[cd.Role] = cd
		}
	}
	o.mu.Unlock()
}

// StartProject creates a project in waiting_for_lead and prompts the lead
// to produce a plan.
func (o *Orchestrator) StartProject(ctx context.Context, id, requirements string) (*Project, error) {
	o.mu.Lock()
	if _, exists := o.projects[id]; exists {
		o.mu.Unlock()
		return nil, fmt.Errorf("project %s already exists", id)
	}
	now := time.Now()
	p := &Project{
		ID:           id,
		Requirements: requirements,
		Stage:        StageWaitingLead,
		Retries:      make(map[Stage]int),
		LastAttempt:  now,
		Deadline:     now.Add(o.cfg.StageTimeout),
		CreatedAt:    now,
	}
	p.LastPrompt = fmt.Sprintf(
		"New project %s. Requirements:\n%s\n\nProduce an implementation plan and post it here.",
		p.ID, requirements)
	o.projects[p.ID] = p
	o.mu.Unlock()

	o.logger.Info("project started", zap.String("project", id))
	o.instructRole(crew.RoleLead, p.LastPrompt)
	o.notify(ctx, fmt.Sprintf("Project %s started: waiting for the lead's plan.", id))
	o.snapshot(ctx, p)
	return p, nil
}

// HandleMessage feeds one routed inter-agent message into the pipeline.
// Loop chatter is discarded, rate-limit signals start a cooldown, a real
// message from a cooled role lifts its cooldown early, and otherwise the
// message becomes a stage artifact for the oldest eligible project
// expecting the sender's role.
func (o *Orchestrator) HandleMessage(ctx context.Context, agentID, content string) {
	o.mu.Lock()
	o.lastTraffic = time.Now()
	o.mu.Unlock()

	role, ok := o.crew.RoleOf(agentID)
	if !ok {
		return
	}

	if IsConversationalLoop(content) {
		o.logger.Debug("loop chatter discarded", zap.String("agent", agentID))
		return
	}

	if IsRateLimitSignal(content) {
		o.startCooldown(ctx, role, agentID)
		return
	}

	o.mu.Lock()
	// A non-throttle message from a cooled role means it recovered early;
	// the cooldown lifts and the message is processed as usual.
	_, cooled := o.cooldowns[role]
	if cooled {
		delete(o.cooldowns, role)
	}
	p := o.eligibleProjectLocked(role)
	if p == nil {
		o.mu.Unlock()
		if cooled {
			o.cooldownLifted(ctx, agentID, role)
		}
		return
	}
	// Capture and transition atomically so a second message from the same
	// role cannot re-match the project before the stage advances.
	stage := p.Stage
	switch stage {
	case StageWaitingLead:
		p.LeadPlan = content
		p.Stage = StageWaitingImplementer
	case StageWaitingImplementer:
		p.ImplementerOutput = content
		p.Stage = StageQAPostImpl
	case StageWaitingDeployer:
		p.DeployerOutput = content
		p.Stage = StageQAPostDeploy
	}
	o.mu.Unlock()

	if cooled {
		o.cooldownLifted(ctx, agentID, role)
	}

	o.logger.Info("stage artifact captured",
		zap.String("project", p.ID),
		zap.String("stage", string(stage)),
		zap.String("role", string(role)))

	switch stage {
	case StageWaitingLead:
		prompt := fmt.Sprintf(
			"Project %s plan from the lead:\n%s\n\nImplement it and report your output here.",
			p.ID, content)
		o.enterWaiting(ctx, p, StageWaitingImplementer, crew.RoleImplementer, prompt)
		o.notify(ctx, fmt.Sprintf("Project %s: plan received, handed to the implementer.", p.ID))
	case StageWaitingImplementer:
		o.notify(ctx, fmt.Sprintf("Project %s: implementation received, running QA.", p.ID))
		o.runQA(ctx, p, StageQAPostImpl, content)
	case StageWaitingDeployer:
		o.notify(ctx, fmt.Sprintf("Project %s: deployment received, running QA.", p.ID))
		o.runQA(ctx, p, StageQAPostDeploy, content)
	}
}

// eligibleProjectLocked picks the oldest active project whose current stage
// expects the given role. Oldest-first is the deterministic tie-break when
// several projects await the same role.
func (o *Orchestrator) eligibleProjectLocked(role crew.Role) *Project {
	var best *Project
	for _, p := range o.projects {
		if !p.Active() {
			continue
		}
		expected, ok := p.ExpectedRole()
		if !ok || expected != role {
			continue
		}
		if best == nil || p.CreatedAt.Before(best.CreatedAt) ||
			(p.CreatedAt.Equal(best.CreatedAt) && p.ID < best.ID) {
			best = p
		}
	}
	return best
}

// runQA drives one verification gate. The artifact was captured and the
// project moved into the gate stage under lock before this call; the gate
// re-validates after the external verify returns.
func (o *Orchestrator) runQA(ctx context.Context, p *Project, gate Stage, artifact string) {
	url := ExtractURL(artifact)

	var verdict *Verdict
	autoPass := false
	if url == "" {
		autoPass = true
		verdict = &Verdict{Passed: true, Report: "no deployment URL in artifact; gate auto-passed"}
		o.logger.Warn("qa gate auto-passed, no url",
			zap.String("project", p.ID), zap.String("gate", string(gate)))
	} else {
		v, err := o.verifier.Verify(ctx, url, p.Requirements)
		if err != nil {
			autoPass = true
			verdict = &Verdict{Passed: true, Report: fmt.Sprintf("verification unavailable (%v); gate auto-passed", err)}
			o.logger.Warn("verification unavailable, gate auto-passed",
				zap.String("project", p.ID), zap.Error(err))
		} else {
			verdict = v
		}
	}

	o.mu.Lock()
	// Another handler may have failed or advanced the project while verify
	// was in flight; only apply the verdict if the gate still holds.
	if p.Stage != gate {
		o.mu.Unlock()
		return
	}
	p.QAReports = append(p.QAReports, QAReport{
		Stage:     gate,
		Passed:    verdict.Passed,
		AutoPass:  autoPass,
		Report:    verdict.Report,
		URL:       url,
		CheckedAt: time.Now(),
	})
	o.mu.Unlock()

	if verdict.Passed {
		o.passGate(ctx, p, gate, verdict, autoPass)
		return
	}
	o.failGate(ctx, p, gate, verdict)
}

func (o *Orchestrator) passGate(ctx context.Context, p *Project, gate Stage, v *Verdict, autoPass bool) {
	note := ""
	if autoPass {
		note = " (auto-passed)"
	}
	switch gate {
	case StageQAPostImpl:
		prompt := fmt.Sprintf(
			"Project %s implementation passed QA%s.\nPlan:\n%s\n\nImplementer output:\n%s\n\nDeploy it and report the deployment URL here.",
			p.ID, note, p.LeadPlan, p.ImplementerOutput)
		o.enterWaiting(ctx, p, StageWaitingDeployer, crew.RoleDeployer, prompt)
		o.notify(ctx, fmt.Sprintf("Project %s: QA passed%s, handed to the deployer.", p.ID, note))
	case StageQAPostDeploy:
		o.mu.Lock()
		p.Stage = StageCompleted
		p.LastAttempt = time.Now()
		o.mu.Unlock()
		o.logger.Info("project completed", zap.String("project", p.ID))
		o.notify(ctx, fmt.Sprintf("Project %s completed%s. %s", p.ID, note, v.Report))
		o.snapshot(ctx, p)
	}
}

// failGate rolls the project back to the stage that produced the rejected
// artifact and relays the failure report to that role.
func (o *Orchestrator) failGate(ctx context.Context, p *Project, gate Stage, v *Verdict) {
	producing := StageWaitingImplementer
	role := crew.RoleImplementer
	if gate == StageQAPostDeploy {
		producing = StageWaitingDeployer
		role = crew.RoleDeployer
	}

	o.mu.Lock()
	p.Retries[gate]++
	retries := p.Retries[gate]
	o.mu.Unlock()

	if retries > o.cfg.MaxRetries {
		o.failProject(ctx, p, fmt.Sprintf("QA at %s failed %d times", gate, retries))
		return
	}

	prompt := fmt.Sprintf(
		"Project %s failed QA (attempt %d/%d).\nReport:\n%s\n\nFix the issues and report again.",
		p.ID, retries, o.cfg.MaxRetries, v.Report)
	o.enterWaiting(ctx, p, producing, role, prompt)
	o.notify(ctx, fmt.Sprintf("Project %s: QA failed, returned to the %s. %s", p.ID, role, v.Report))
}

// enterWaiting moves the project into a waiting stage, stamps the deadline,
// and delivers the handoff prompt unless the target role is cooling down.
// A suppressed handoff supersedes the cooldown's held instruction so expiry
// resumes with the latest prompt.
func (o *Orchestrator) enterWaiting(ctx context.Context, p *Project, stage Stage, role crew.Role, prompt string) {
	o.mu.Lock()
	now := time.Now()
	p.Stage = stage
	p.LastPrompt = prompt
	p.LastAttempt = now
	p.Deadline = now.Add(o.cfg.StageTimeout)
	cd, cooled := o.cooldowns[role]
	if cooled {
		cd.HeldInstruction = prompt
		cd.ProjectID = p.ID
	}
	o.mu.Unlock()

	if cooled {
		o.logger.Info("handoff held, role cooling down",
			zap.String("project", p.ID), zap.String("role", string(role)))
		o.snapshotCooldowns(ctx)
	} else {
		o.instructRole(role, prompt)
	}
	o.snapshot(ctx, p)
}

func (o *Orchestrator) failProject(ctx context.Context, p *Project, reason string) {
	o.mu.Lock()
	p.Stage = StageFailed
	p.LastAttempt = time.Now()
	o.mu.Unlock()
	o.logger.Error("project failed",
		zap.String("project", p.ID), zap.String("reason", reason))
	o.notify(ctx, fmt.Sprintf("Project %s failed: %s", p.ID, reason))
	o.snapshot(ctx, p)
}

// SweepTimeouts examines active projects; past-deadline stages are
// re-prompted while retries remain, then forced to failed.
func (o *Orchestrator) SweepTimeouts(ctx context.Context, now time.Time) {
	o.mu.Lock()
	var expired []*Project
	for _, p := range o.projects {
		if !p.Active() {
			continue
		}
		if _, waiting := p.ExpectedRole(); !waiting {
			continue
		}
		if now.After(p.Deadline) {
			expired = append(expired, p)
		}
	}
	o.mu.Unlock()

	for _, p := range expired {
		o.mu.Lock()
		stage := p.Stage
		role, ok := p.ExpectedRole()
		if !ok || !now.After(p.Deadline) {
			o.mu.Unlock()
			continue
		}
		if p.Retries[stage] >= o.cfg.MaxRetries {
			o.mu.Unlock()
			o.failProject(ctx, p, fmt.Sprintf("stage %s timed out after %d retries", stage, p.Retries[stage]))
			continue
		}
		p.Retries[stage]++
		retry := p.Retries[stage]
		p.Deadline = now.Add(o.cfg.StageTimeout)
		p.LastAttempt = now
		prompt := p.LastPrompt
		_, cooled := o.cooldowns[role]
		o.mu.Unlock()

		o.logger.Warn("stage timed out, re-prompting",
			zap.String("project", p.ID),
			zap.String("stage", string(stage)),
			zap.Int("retry", retry))
		if !cooled {
			o.instructRole(role, prompt)
		}
		o.snapshot(ctx, p)
	}
}

func (o *Orchestrator) cooldownLifted(ctx context.Context, agentID string, role crew.Role) {
	o.logger.Info("cooldown lifted early, role active again",
		zap.String("agent", agentID), zap.String("role", string(role)))
	o.snapshotCooldowns(ctx)
}

// startCooldown places a role on cooldown, holding the instruction it was
// working on. A later signal extends the window and supersedes the snapshot.
func (o *Orchestrator) startCooldown(ctx context.Context, role crew.Role, agentID string) {
	o.mu.Lock()
	held := ""
	projectID := ""
	for _, p := range o.projects {
		if !p.Active() {
			continue
		}
		if expected, ok := p.ExpectedRole(); ok && expected == role {
			held = p.LastPrompt
			projectID = p.ID
			break
		}
	}
	if held == "" {
		// Role not engaged in any project; nothing to hold or resume.
		o.mu.Unlock()
		return
	}
	o.cooldowns[role] = &Cooldown{
		Role:            role,
		AgentID:         agentID,
		Until:           time.Now().Add(o.cfg.CooldownDuration),
		HeldInstruction: held,
		ProjectID:       projectID,
	}
	o.mu.Unlock()

	o.logger.Warn("rate limit observed, role cooling down",
		zap.String("role", string(role)),
		zap.String("agent", agentID),
		zap.Duration("for", o.cfg.CooldownDuration))
	o.notify(ctx, fmt.Sprintf("Agent %s (%s) is rate-limited; pausing for %s.",
		agentID, role, o.cfg.CooldownDuration))
	o.snapshotCooldowns(ctx)
}

// SweepCooldowns clears expired cooldowns and reissues each held
// instruction exactly once.
func (o *Orchestrator) SweepCooldowns(ctx context.Context, now time.Time) {
	o.mu.Lock()
	var resumed []*Cooldown
	for role, cd := range o.cooldowns {
		if now.After(cd.Until) {
			delete(o.cooldowns, role)
			resumed = append(resumed, cd)
		}
	}
	o.mu.Unlock()

	for _, cd := range resumed {
		o.logger.Info("cooldown expired, resuming",
			zap.String("role", string(cd.Role)),
			zap.String("agent", cd.AgentID))
		o.courier.Instruct(cd.AgentID, cd.HeldInstruction)
		o.notify(ctx, fmt.Sprintf("Agent %s (%s) cooldown over; work resumed.", cd.AgentID, cd.Role))
	}
	if len(resumed) > 0 {
		o.snapshotCooldowns(ctx)
	}
}

// Watchdog re-triggers stalled work when inter-agent traffic has been
// silent past the threshold and no role is cooling down.
func (o *Orchestrator) Watchdog(ctx context.Context, now time.Time) {
	o.mu.Lock()
	if len(o.cooldowns) > 0 || now.Sub(o.lastTraffic) < o.cfg.SilenceThreshold {
		o.mu.Unlock()
		return
	}
	o.lastTraffic = now
	var stalled *Project
	for _, p := range o.projects {
		if !p.Active() {
			continue
		}
		if stalled == nil || p.CreatedAt.Before(stalled.CreatedAt) {
			stalled = p
		}
	}
	o.mu.Unlock()

	if stalled != nil {
		o.logger.Warn("silence watchdog fired, nudging lead",
			zap.String("project", stalled.ID))
		o.instructRole(crew.RoleLead, fmt.Sprintf(
			"Project %s seems stalled at %s. Review the state and get work moving again.\nRequirements:\n%s",
			stalled.ID, stalled.Stage, stalled.Requirements))
		return
	}
	o.logger.Info("silence watchdog fired, starting discovery")
	o.Discovery(ctx)
}

// Discovery issues an open-ended work prompt to the lead. Used by the
// watchdog and the idle-work scheduler job; a no-op while a project runs.
func (o *Orchestrator) Discovery(ctx context.Context) {
	o.mu.Lock()
	for _, p := range o.projects {
		if p.Active() {
			o.mu.Unlock()
			return
		}
	}
	o.mu.Unlock()
	o.instructRole(crew.RoleLead,
		"No project is in flight. Propose the next most valuable piece of work and outline it.")
}

// DiscussionPrompt posts a broad discussion topic to the lead. Skipped
// while any project is active.
func (o *Orchestrator) DiscussionPrompt(ctx context.Context, topic string) {
	o.mu.Lock()
	for _, p := range o.projects {
		if p.Active() {
			o.mu.Unlock()
			return
		}
	}
	o.mu.Unlock()
	o.instructRole(crew.RoleLead, topic)
}

// Projects returns all projects, oldest first.
func (o *Orchestrator) Projects() []*Project {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Project, 0, len(o.projects))
	for _, p := range o.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns one project by id.
func (o *Orchestrator) Get(id string) (*Project, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.projects[id]
	return p, ok
}

// Cooldowns returns the live cooldown set.
func (o *Orchestrator) Cooldowns() []*Cooldown {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Cooldown, 0, len(o.cooldowns))
	for _, cd := range o.cooldowns {
		out = append(out, cd)
	}
	return out
}

func (o *Orchestrator) instructRole(role crew.Role, text string) {
	agentID, ok := o.crew.AgentFor(role)
	if !ok {
		o.logger.Warn("no agent for role", zap.String("role", string(role)))
		return
	}
	if !o.courier.Instruct(agentID, text) {
		o.logger.Warn("instruction delivery failed",
			zap.String("agent", agentID), zap.String("role", string(role)))
	}
}

func (o *Orchestrator) notify(ctx context.Context, text string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, text); err != nil {
		o.logger.Warn("operator notify failed", zap.Error(err))
	}
}

func (o *Orchestrator) snapshot(ctx context.Context, p *Project) {
	if o.snaps == nil {
		return
	}
	if err := o.snaps.SaveProject(ctx, p); err != nil {
		o.logger.Warn("project snapshot failed", zap.String("project", p.ID), zap.Error(err))
	}
}

func (o *Orchestrator) snapshotCooldowns(ctx context.Context) {
	if o.snaps == nil {
		return
	}
	if err := o.snaps.SaveCooldowns(ctx, o.Cooldowns()); err != nil {
		o.logger.Warn("cooldown snapshot failed", zap.Error(err))
	}
}
