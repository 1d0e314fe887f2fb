package txn

import "context"

// The ambient scope stack is carried in the context rather than held as
// process-global state. Each BeginAmbient derives a new context whose value
// points at an immutable stack node; concurrent flows therefore see
// independent stacks, and the stack follows the context wherever the caller
// passes it.

type ambientKey struct{}

type ambientNode struct {
	scope  *Scope
	parent *ambientNode
}

func currentNode(ctx context.Context) *ambientNode {
	n, _ := ctx.Value(ambientKey{}).(*ambientNode)
	return n
}

func pushAmbient(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, ambientKey{}, &ambientNode{
		scope:  s,
		parent: currentNode(ctx),
	})
}

// Current returns the innermost active ambient scope for the calling flow,
// or false if none is active. Released scopes are skipped, so a caller
// holding a context from inside a finished nested scope sees the enclosing
// one again.
func Current(ctx context.Context) (*Scope, bool) {
	for n := currentNode(ctx); n != nil; n = n.parent {
		if !n.scope.isReleased() {
			return n.scope, true
		}
	}
	return nil, false
}
