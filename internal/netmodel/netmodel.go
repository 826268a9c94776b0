// Package netmodel defines the static data model of spec §3: a
// Specification holding a root net and sub-nets, built from conditions,
// tasks, and flows. Task variants are modeled as a sum type (Atomic,
// Composite, MultiInstance) per spec §9's "dynamic dispatch over task
// variants" redesign note, instead of a class hierarchy.
package netmodel

import "fmt"

// JoinType and SplitType govern how a task consumes and produces tokens.
type JoinType string
type SplitType string

const (
	JoinAND JoinType = "AND"
	JoinXOR JoinType = "XOR"
	JoinOR  JoinType = "OR"

	SplitAND SplitType = "AND"
	SplitXOR SplitType = "XOR"
	SplitOR  SplitType = "OR"
)

// TaskKind discriminates the task variant sum type.
type TaskKind string

const (
	TaskAtomic        TaskKind = "atomic"
	TaskComposite     TaskKind = "composite"
	TaskMultiInstance TaskKind = "multi_instance"
)

// Condition is a Petri-net place.
type Condition struct {
	ID string
}

// CancellationSet names what is cleared when its owning task fires:
// conditions (their tokens are removed) and task ids (their work items
// are cancelled and any tokens they produced are removed). Spec §9 fixes
// the ambiguity in the source between these two effects: both always
// happen together.
type CancellationSet struct {
	Conditions []string
	Tasks      []string
}

// MultiInstanceSpec carries the variant-specific configuration for a
// TaskMultiInstance task (spec §4.4).
type MultiInstanceSpec struct {
	Minimum         int
	Maximum         int // 0 means unlimited
	Threshold       int
	CreationMode    string // "static" | "dynamic"
	OrderingMode    string // "parallel" | "sequential"
	CompletionMode  string // "all" | "threshold"
	InputExpression string // aggregation expression selecting per-instance input
	OutputExpression string // aggregation expression combining child outputs
}

// Task is a Petri-net transition.
type Task struct {
	ID         string
	Join       JoinType
	Split      SplitType
	Kind       TaskKind
	SubNetID   string // set when Kind == TaskComposite
	MI         *MultiInstanceSpec
	Cancel     *CancellationSet
	Incoming   []string // condition ids
	Outgoing   []string // condition ids
}

// Flow is a directed arc between a condition and a task, or a task and a
// condition (never condition-to-condition or task-to-task).
type Flow struct {
	ID         string
	From       string // condition or task id
	To         string // task or condition id
	Order      int    // ordering index among an XOR/OR split's outgoing flows
	Predicate  string // expression, evaluated for XOR/OR split flows out of a task
}

// Net is a directed bipartite graph over conditions and tasks.
type Net struct {
	ID      string
	Input   string // input condition id (source)
	Output  string // output condition id (sink)
	Conditions map[string]*Condition
	Tasks      map[string]*Task
	Flows      []*Flow

	// precomputed indices
	flowsFrom map[string][]*Flow // outgoing flows of a node, sorted by Order then ID
	flowsTo   map[string][]*Flow
}

// Build indexes the net's flows and validates the structural invariants of
// spec §3: bipartite, single unambiguous input/output, reachability.
func (n *Net) Build() error {
	n.flowsFrom = make(map[string][]*Flow)
	n.flowsTo = make(map[string][]*Flow)

	for _, f := range n.Flows {
		fromIsCond := n.Conditions[f.From] != nil
		fromIsTask := n.Tasks[f.From] != nil
		toIsCond := n.Conditions[f.To] != nil
		toIsTask := n.Tasks[f.To] != nil

		if fromIsCond == fromIsTask {
			return fmt.Errorf("flow %s: %s is neither a known condition nor task", f.ID, f.From)
		}
		if toIsCond == toIsTask {
			return fmt.Errorf("flow %s: %s is neither a known condition nor task", f.ID, f.To)
		}
		if fromIsCond && toIsCond {
			return fmt.Errorf("flow %s: condition-to-condition arcs are not allowed", f.ID)
		}
		if fromIsTask && toIsTask {
			return fmt.Errorf("flow %s: task-to-task arcs are not allowed", f.ID)
		}

		n.flowsFrom[f.From] = append(n.flowsFrom[f.From], f)
		n.flowsTo[f.To] = append(n.flowsTo[f.To], f)
	}
	for _, list := range n.flowsFrom {
		sortFlows(list)
	}
	for _, list := range n.flowsTo {
		sortFlows(list)
	}

	if n.Conditions[n.Input] == nil {
		return fmt.Errorf("net %s: input condition %s not found", n.ID, n.Input)
	}
	if n.Conditions[n.Output] == nil {
		return fmt.Errorf("net %s: output condition %s not found", n.ID, n.Output)
	}
	if len(n.flowsTo[n.Input]) != 0 {
		return fmt.Errorf("net %s: input condition %s has incoming arcs", n.ID, n.Input)
	}
	if len(n.flowsFrom[n.Output]) != 0 {
		return fmt.Errorf("net %s: output condition %s has outgoing arcs", n.ID, n.Output)
	}

	if err := n.checkReachability(); err != nil {
		return err
	}

	for _, t := range n.Tasks {
		incoming := make([]string, 0, len(n.flowsTo[t.ID]))
		for _, f := range n.flowsTo[t.ID] {
			incoming = append(incoming, f.From)
		}
		outgoing := make([]string, 0, len(n.flowsFrom[t.ID]))
		for _, f := range n.flowsFrom[t.ID] {
			outgoing = append(outgoing, f.To)
		}
		t.Incoming = incoming
		t.Outgoing = outgoing
	}

	return nil
}

func sortFlows(flows []*Flow) {
	for i := 1; i < len(flows); i++ {
		for j := i; j > 0; j-- {
			a, b := flows[j-1], flows[j]
			if a.Order < b.Order || (a.Order == b.Order && a.ID <= b.ID) {
				break
			}
			flows[j-1], flows[j] = flows[j], flows[j-1]
		}
	}
}

// OutgoingFlows returns the outgoing flows of a node (condition or task),
// sorted by ordering index then flow id ascending (spec §4.3.4).
func (n *Net) OutgoingFlows(nodeID string) []*Flow {
	return n.flowsFrom[nodeID]
}

// IncomingFlows returns the incoming flows of a node, same ordering.
func (n *Net) IncomingFlows(nodeID string) []*Flow {
	return n.flowsTo[nodeID]
}

// checkReachability verifies every task is reachable from input and can
// reach output, treating the net as an undirected-per-direction graph walk.
func (n *Net) checkReachability() error {
	reachableFromInput := n.forwardClosure(n.Input)
	for id := range n.Tasks {
		if !reachableFromInput[id] {
			return fmt.Errorf("net %s: task %s is not reachable from input", n.ID, id)
		}
	}

	reachesOutput := n.backwardClosure(n.Output)
	for id := range n.Tasks {
		if !reachesOutput[id] {
			return fmt.Errorf("net %s: task %s cannot reach output", n.ID, id)
		}
	}
	return nil
}

func (n *Net) forwardClosure(start string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, f := range n.flowsFrom[cur] {
			if !seen[f.To] {
				seen[f.To] = true
				queue = append(queue, f.To)
			}
		}
	}
	return seen
}

func (n *Net) backwardClosure(start string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, f := range n.flowsTo[cur] {
			if !seen[f.From] {
				seen[f.From] = true
				queue = append(queue, f.From)
			}
		}
	}
	return seen
}

// Specification identifies and groups one or more nets (spec §3).
type Specification struct {
	Identifier string
	Major      int
	Minor      int
	URI        string
	RootNet    string
	Nets       map[string]*Net

	Status string // "loaded" | "activated" | "unloaded" | "locked"
}

// String renders the canonical specification identifier form of spec §6.
func (s *Specification) String() string {
	return fmt.Sprintf("%s v%d.%d (%s)", s.Identifier, s.Major, s.Minor, s.URI)
}

// Root returns the specification's root net.
func (s *Specification) Root() *Net {
	return s.Nets[s.RootNet]
}
