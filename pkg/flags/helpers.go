package flags

import "context"

// Toggler is anything whose visibility can be switched, typically a UI
// element wrapper in the host application.
type Toggler interface {
	SetVisible(visible bool)
}

// ConditionalRender shows target when flag is enabled and hides it
// otherwise. It returns the resolved value.
func (e *Evaluator) ConditionalRender(ctx context.Context, flag string, target Toggler) bool {
	on := e.IsEnabled(ctx, flag)
	if target != nil {
		target.SetVisible(on)
	}
	return on
}

// ProgressiveRollout runs fn only when flag is enabled for this identity.
// Which identities are in the rollout is decided by the server.
func (e *Evaluator) ProgressiveRollout(ctx context.Context, flag string, fn func()) bool {
	on := e.IsEnabled(ctx, flag)
	if on && fn != nil {
		fn()
	}
	return on
}

// ABTest returns treatment when flag is enabled and control otherwise.
func ABTest[T any](ctx context.Context, e *Evaluator, flag string, control, treatment T) T {
	if e.IsEnabled(ctx, flag) {
		return treatment
	}
	return control
}
