package opt

// Status is the termination reason of a minimization.
type Status string

const (
	StatusSuccess      Status = "success"
	StatusMaxFev       Status = "maxfev"
	StatusMaxIter      Status = "maxiter"
	StatusFPrimeCutoff Status = "fprime_cutoff"
)

var statusMessages = map[Status]string{
	StatusSuccess:      "Optimization terminated successfully.",
	StatusMaxFev:       "Maximum number of function evaluations has been exceeded.",
	StatusMaxIter:      "Maximum number of iterations has been exceeded.",
	StatusFPrimeCutoff: "Cutoff for the maximum estimated derivative has been exceeded.",
}

// Message returns the human readable description of the status.
func (s Status) Message() string {
	if msg, ok := statusMessages[s]; ok {
		return msg
	}
	return string(s)
}

// Result holds the outcome of one minimization
type Result struct {
	Pos     []float64
	Value   float64
	Success bool
	Status  Status
	Message string
	NumIter int
	NumFev  int

	// Per-iteration simplex vertices and their values, best vertex first.
	// Only recorded when Options.KeepHistory is set.
	SimplexHistory [][][]float64
	ValueHistory   [][]float64

	// Final simplex, always recorded so that a follow-up minimization can
	// continue from it.
	FinalSimplex [][]float64
	FinalValues  []float64

	// Ancestor is the first-phase result when this result was produced by a
	// two-phase minimization.
	Ancestor *Result
}

// Join combines a first-phase result with the result of the minimization
// continued from it. The joined result reports the child's outcome, with
// evaluation and iteration counts and histories accumulated over both phases.
func Join(ancestor, child *Result) *Result {
	joined := *child
	joined.NumFev = ancestor.NumFev + child.NumFev
	joined.NumIter = ancestor.NumIter + child.NumIter
	if ancestor.SimplexHistory != nil || child.SimplexHistory != nil {
		joined.SimplexHistory = append(append([][][]float64(nil), ancestor.SimplexHistory...), child.SimplexHistory...)
		joined.ValueHistory = append(append([][]float64(nil), ancestor.ValueHistory...), child.ValueHistory...)
	}
	joined.Ancestor = ancestor
	return &joined
}
