package action

import "github.com/detconc-dev/detconc/ident"

// TAction is the action algebra for the inside of a transaction. It
// mirrors Action's CPS shape but is a closed, smaller sum: a transaction
// is a self-contained computation with its own log, so it cannot fork
// threads, touch MVars/MRefs, or lift arbitrary effects.
type TAction interface{ isTAction() }

type TNew struct {
	Name  string
	Value any
	Next  func(ident.ID) TAction
}

func (TNew) isTAction() {}

type TRead struct {
	TVar ident.ID
	Next func(any) TAction
}

func (TRead) isTAction() {}

type TWrite struct {
	TVar  ident.ID
	Value any
	Next  func() TAction
}

func (TWrite) isTAction() {}

// TRetry aborts the transaction's log and blocks the executing thread on
// every TVar the transaction has read so far.
type TRetry struct{}

func (TRetry) isTAction() {}

// TOrElse runs A; if A retries, A's writes are discarded and B runs with
// the read set accumulated so far carried forward.
type TOrElse struct {
	A, B TAction
	Next func(any) TAction
}

func (TOrElse) isTAction() {}

type TMHandler struct {
	Matches func(exc any) bool
	Run     func(exc any) TAction
}

// TCatch runs Body; if it throws an exception TMHandler accepts, Body's
// writes are discarded and the handler runs instead.
type TCatch struct {
	Handler TMHandler
	Body    TAction
	Next    func(any) TAction
}

func (TCatch) isTAction() {}

type TThrow struct{ Exc any }

func (TThrow) isTAction() {}

// TDone is the terminal node of a transaction, carrying its result
// value. It is synthesized internally (MainTM ends a transaction's
// continuation chain with it) and never built directly by user code, the
// STM counterpart of Action's Stop/Return pair.
type TDone struct{ Value any }

func (TDone) isTAction() {}
