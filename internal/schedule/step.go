package schedule

// StepLR decays the learning rate by Gamma every StepSize epochs.
type StepLR struct {
	opt       LRSetter
	stepSize  int
	gamma     float64
	lastEpoch int
}

// NewStepLR creates a step decay scheduler. Defaults: stepSize 30, gamma 0.1.
func NewStepLR(opt LRSetter, stepSize int, gamma float64) *StepLR {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 {
		gamma = 0.1
	}
	return &StepLR{opt: opt, stepSize: stepSize, gamma: gamma}
}

// Step advances one epoch and decays the lr on multiples of the step size.
func (s *StepLR) Step(float64) {
	s.lastEpoch++
	if s.lastEpoch%s.stepSize == 0 {
		s.opt.SetLR(float32(float64(s.opt.GetLR()) * s.gamma))
	}
}

// Adaptive reports false.
func (s *StepLR) Adaptive() bool { return false }

// Kind reports KindStep.
func (s *StepLR) Kind() Kind { return KindStep }

// State returns the epoch counter.
func (s *StepLR) State() State { return State{Kind: KindStep, LastEpoch: s.lastEpoch} }

// LoadState restores the epoch counter.
func (s *StepLR) LoadState(st State) error {
	if err := checkKind(KindStep, st); err != nil {
		return err
	}
	s.lastEpoch = st.LastEpoch
	return nil
}
