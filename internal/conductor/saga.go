package conductor

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// step pairs a forward action with the compensation that undoes it.
// A nil compensate means the step has nothing to unwind.
type step struct {
	name       string
	action     func() error
	compensate func()
}

// runSaga executes steps in order. On the first failure it runs the
// compensations of all previously completed steps in reverse order,
// each best-effort, then returns the failure attributed to its step.
// The failing step's own compensation is not run: an action that fails
// is responsible for leaving no residue behind.
func runSaga(steps []step) error {
	for i, s := range steps {
		if err := s.action(); err != nil {
			for j := i - 1; j >= 0; j-- {
				if steps[j].compensate == nil {
					continue
				}
				log.Warn().Str("step", steps[j].name).Str("failedStep", s.name).Msg("rolling back saga step")
				steps[j].compensate()
			}
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}
