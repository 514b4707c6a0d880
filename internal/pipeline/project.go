package pipeline

import (
	"time"

	"github.com/nidhogg/agora/internal/crew"
)

// Stage is one step of the fixed delivery pipeline.
type Stage string

const (
	StageWaitingLead        Stage = "waiting_for_lead"
	StageWaitingImplementer Stage = "waiting_for_implementer"
	StageQAPostImpl         Stage = "qa_post_impl"
	StageWaitingDeployer    Stage = "waiting_for_deployer"
	StageQAPostDeploy       Stage = "qa_post_deploy"
	StageCompleted          Stage = "completed"
	StageFailed             Stage = "failed"
)

// Terminal reports whether the stage ends the pipeline.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// expectedRole maps each waiting stage to the role whose output advances it.
var expectedRole = map[Stage]crew.Role{
	StageWaitingLead:        crew.RoleLead,
	StageWaitingImplementer: crew.RoleImplementer,
	StageWaitingDeployer:    crew.RoleDeployer,
}

// QAReport records one verification gate outcome.
type QAReport struct {
	Stage     Stage     `json:"stage"`
	Passed    bool      `json:"passed"`
	AutoPass  bool      `json:"auto_pass,omitempty"`
	Report    string    `json:"report,omitempty"`
	URL       string    `json:"url,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Project is one pipeline run. Mutated exclusively by the Orchestrator and
// snapshotted after every mutation so a restart resumes from the last stage.
type Project struct {
	ID           string `json:"id"`
	Requirements string `json:"requirements"`
	Stage        Stage  `json:"stage"`

	LeadPlan          string     `json:"lead_plan,omitempty"`
	ImplementerOutput string     `json:"implementer_output,omitempty"`
	DeployerOutput    string     `json:"deployer_output,omitempty"`
	QAReports         []QAReport `json:"qa_reports,omitempty"`

	Retries     map[Stage]int `json:"retries"`
	LastPrompt  string        `json:"last_prompt,omitempty"`
	LastAttempt time.Time     `json:"last_attempt"`
	Deadline    time.Time     `json:"deadline"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ExpectedRole returns the role whose message the project currently awaits.
func (p *Project) ExpectedRole() (crew.Role, bool) {
	r, ok := expectedRole[p.Stage]
	return r, ok
}

// Active reports whether the orchestrator still drives this project.
func (p *Project) Active() bool {
	return !p.Stage.Terminal()
}
