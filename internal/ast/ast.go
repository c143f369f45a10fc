// Package ast defines the action specification consumed by the compiler.
// The front-end parser produces these values; the compiler treats them as
// immutable, already syntax-checked input. Semantic validation (impact
// mismatch, dependency cycles) happens in the compiler.
package ast

// StepKind discriminates the Step tagged union
type StepKind string

const (
	StepValidate    StepKind = "validate"
	StepWrite       StepKind = "write"
	StepConditional StepKind = "conditional"
	StepLoop        StepKind = "loop"
	StepCall        StepKind = "call"
	StepNotify      StepKind = "notify"
	StepRefresh     StepKind = "refresh"
)

// WriteKind discriminates the three write operations
type WriteKind string

const (
	WriteInsert WriteKind = "insert"
	WriteUpdate WriteKind = "update"
	WriteDelete WriteKind = "delete"
)

// RefreshScope is the blast radius of a view-refresh request
type RefreshScope string

const (
	RefreshSelf      RefreshScope = "self"
	RefreshRelated   RefreshScope = "related"
	RefreshPropagate RefreshScope = "propagate"
	RefreshBatch     RefreshScope = "batch"
)

// ActionSpec is one named business action over a target entity.
// Produced once by the parser, compiled once ahead of runtime,
// immutable after compilation.
type ActionSpec struct {
	Name   string            `yaml:"name"`
	Entity string            `yaml:"entity"`
	Batch  bool              `yaml:"batch"`
	Steps  []Step            `yaml:"steps"`
	Impact ImpactDeclaration `yaml:"impact"`
}

// ImpactDeclaration is the author-declared read/write footprint,
// cross-checked against the compiled steps by the impact analyzer.
type ImpactDeclaration struct {
	Writes []string `yaml:"writes"`
	Reads  []string `yaml:"reads"`
	Views  []string `yaml:"views"`
}

// Step is a tagged union: Kind selects exactly one populated variant.
// The compiler switches exhaustively over Kind; an unknown kind is a
// decode error, never a runtime surprise.
type Step struct {
	Kind StepKind

	Validate    *ValidateStep
	Write       *WriteStep
	Conditional *ConditionalStep
	Loop        *LoopStep
	Call        *CallStep
	Notify      *NotifyStep
	Refresh     *RefreshStep
}

// ValidateStep evaluates a boolean predicate against the entity's current
// state plus input parameters. False aborts with a validation failure and
// never mutates state.
type ValidateStep struct {
	Expression string `yaml:"expression"`
	ErrorCode  string `yaml:"error_code"`
	Field      string `yaml:"field"`
	Message    string `yaml:"message"`
}

// WriteStep applies a declarative field-set against one target entity.
// Set values support three forms: "@name" reads an invocation parameter
// ("@item.x" reads the current loop item), a leading "=" marks an
// expression evaluated against the step environment, anything else is a
// literal. The match predicate defaults to the entity's external id
// parameter; Where may narrow it further with a guarded SQL predicate.
type WriteStep struct {
	Kind          WriteKind         `yaml:"kind"`
	Entity        string            `yaml:"entity"`
	Set           map[string]string `yaml:"set"`
	Where         string            `yaml:"where"`
	Key           string            `yaml:"key"`            // parameter holding the external id; defaults to "id"
	ExpectVersion string            `yaml:"expect_version"` // parameter for the optimistic version check
}

// ConditionalStep branches on a predicate; a missing else branch is a
// no-op, not an error.
type ConditionalStep struct {
	Expression string `yaml:"expression"`
	Then       []Step `yaml:"then"`
	Else       []Step `yaml:"else"`
}

// LoopStep iterates a named input collection, delegating per-item
// execution to the batch executor. Items are independent; each is atomic.
type LoopStep struct {
	Source          string `yaml:"source"`
	Steps           []Step `yaml:"steps"`
	ContinueOnError *bool  `yaml:"continue_on_error"`
}

// Continues reports the effective continue-on-error policy. Explicitly
// declared batch actions default to true.
func (l *LoopStep) Continues(batchAction bool) bool {
	if l.ContinueOnError != nil {
		return *l.ContinueOnError
	}
	return batchAction
}

// CallStep invokes a previously compiled action by name inside the same
// transaction scope. A callee failure propagates and aborts the caller
// unless StoreResult names a variable for the caller to inspect.
type CallStep struct {
	Action      string            `yaml:"action"`
	Args        map[string]string `yaml:"args"`
	StoreResult string            `yaml:"store_result"`
}

// NotifyStep emits a best-effort out-of-band signal; it never blocks and
// never fails the action.
type NotifyStep struct {
	Channel string   `yaml:"channel"`
	Payload []string `yaml:"payload"`
}

// RefreshStep broadens the view refresh triggered at write sites.
// Propagate lists explicit views, which must appear in the declared impact.
type RefreshStep struct {
	Scope RefreshScope `yaml:"scope"`
	Views []string     `yaml:"views"`
}
