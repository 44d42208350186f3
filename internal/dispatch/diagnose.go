package dispatch

import (
	"context"
	"fmt"
)

// Diagnose evaluates every candidate at the current time without sending or
// writing anything. It shares the evaluator with Run, so the two cannot
// disagree.
func (inv *Invoker) Diagnose(ctx context.Context) ([]Diagnostic, error) {
	users, err := inv.deps.Directory.ListCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list candidates: %v", ErrStorageUnavailable, err)
	}
	now := inv.clk.Now()
	out := make([]Diagnostic, 0, len(users))
	for _, u := range users {
		d := inv.eval.Evaluate(u.Schedule(), now)
		out = append(out, Diagnostic{
			UserID:         u.ID,
			Timezone:       u.Timezone,
			PreferredRaw:   u.PreferredSendTime,
			LastSentStored: u.LastSentDate,
			Error:          errString(d.Err),
			Decision:       d,
		})
	}
	return out, nil
}
