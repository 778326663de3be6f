package action

import "github.com/detconc-dev/detconc/ident"

// M[T] is the builder-API veneer over the untyped Action tree, letting
// user code read as ordinary sequential Go. A value of M[T] is a
// function that, given what should happen with a T once it is known,
// produces the Action to run first. Materialize with Run to get the
// root Action a thread can be launched with.
type M[T any] func(k func(T) Action) Action

// Run closes an M[T] over a final continuation, producing the Action
// tree the interpreter executes.
func Run[T any](m M[T], k func(T) Action) Action { return m(k) }

// Main closes an M[Unit] into a thread body that simply Stops when done,
// the common case for the top-level program and for Fork children.
func Main(m M[Unit]) Action {
	return m(func(Unit) Action { return Stop{} })
}

// Pure lifts a pure value into M without any effect.
func Pure[T any](v T) M[T] {
	return func(k func(T) Action) Action {
		return Return{Value: v, Next: func(r any) Action { return k(r.(T)) }}
	}
}

// Bind sequences m then f, threading m's result into f.
func Bind[A, B any](m M[A], f func(A) M[B]) M[B] {
	return func(k func(B) Action) Action {
		return m(func(a A) Action { return f(a)(k) })
	}
}

// Then sequences m then n, discarding m's result.
func Then[A, B any](m M[A], n M[B]) M[B] {
	return Bind(m, func(A) M[B] { return n })
}

// MapM transforms m's result with f.
func MapM[A, B any](m M[A], f func(A) B) M[B] {
	return Bind(m, func(a A) M[B] { return Pure(f(a)) })
}

// LiftM lifts an opaque effect. If effect itself fails, the whole run
// ends with an InternalError failure carrying the error's message, so
// callers should make lifted effects total.
func LiftM[T any](effect func() (T, error)) M[T] {
	return func(k func(T) Action) Action {
		return Lift{
			Effect: func() (any, error) { return effect() },
			Next:   func(r any) Action { return k(r.(T)) },
		}
	}
}

// ---- thread control ----------------------------------------------

// ForkM starts child as a new thread and returns its id.
func ForkM(name string, child M[Unit]) M[ident.ID] {
	return func(k func(ident.ID) Action) Action {
		return Fork{Name: name, Child: Main(child), Next: k}
	}
}

func MyThreadIDM() M[ident.ID] {
	return func(k func(ident.ID) Action) Action { return MyThreadID{Next: k} }
}

func GetCapsM() M[int] {
	return func(k func(int) Action) Action { return GetCaps{Next: k} }
}

func SetCapsM(n int) M[Unit] {
	return func(k func(Unit) Action) Action {
		return SetCaps{N: n, Next: func() Action { return k(Unit{}) }}
	}
}

func YieldM() M[Unit] {
	return func(k func(Unit) Action) Action {
		return Yield{Next: func() Action { return k(Unit{}) }}
	}
}

// ---- blocking cell (MV) --------------------------------------------

func NewEmptyMV(name string) M[ident.ID] {
	return func(k func(ident.ID) Action) Action { return NewMV{Name: name, Next: k} }
}

func NewFullMV(name string, v any) M[ident.ID] {
	return func(k func(ident.ID) Action) Action {
		return NewMV{Name: name, Full: true, Value: v, Next: k}
	}
}

func PutMVM(mv ident.ID, v any) M[Unit] {
	return func(k func(Unit) Action) Action {
		return PutMV{MVar: mv, Value: v, Next: func() Action { return k(Unit{}) }}
	}
}

func TakeMVM(mv ident.ID) M[any] {
	return func(k func(any) Action) Action { return TakeMV{MVar: mv, Next: k} }
}

func ReadMVM(mv ident.ID) M[any] {
	return func(k func(any) Action) Action { return ReadMV{MVar: mv, Next: k} }
}

type TryTakeResult struct {
	OK    bool
	Value any
}

func TryPutMVM(mv ident.ID, v any) M[bool] {
	return func(k func(bool) Action) Action { return TryPutMV{MVar: mv, Value: v, Next: k} }
}

func TryTakeMVM(mv ident.ID) M[TryTakeResult] {
	return func(k func(TryTakeResult) Action) Action {
		return TryTakeMV{MVar: mv, Next: func(ok bool, v any) Action {
			return k(TryTakeResult{OK: ok, Value: v})
		}}
	}
}

func TryReadMVM(mv ident.ID) M[TryTakeResult] {
	return func(k func(TryTakeResult) Action) Action {
		return TryReadMV{MVar: mv, Next: func(ok bool, v any) Action {
			return k(TryTakeResult{OK: ok, Value: v})
		}}
	}
}

// ---- mutable cell (MR) ----------------------------------------------

func NewMRM(name string, v any) M[ident.ID] {
	return func(k func(ident.ID) Action) Action { return NewMR{Name: name, Value: v, Next: k} }
}

func ReadMRM(r ident.ID) M[any] {
	return func(k func(any) Action) Action { return ReadMR{MRef: r, Next: k} }
}

func WriteMRM(r ident.ID, v any) M[Unit] {
	return func(k func(Unit) Action) Action {
		return WriteMR{MRef: r, Value: v, Next: func() Action { return k(Unit{}) }}
	}
}

func ModifyMRM(r ident.ID, f func(old any) any) M[Unit] {
	return func(k func(Unit) Action) Action {
		return ModifyMR{
			MRef: r,
			F:    func(old any) (any, any) { return f(old), nil },
			Next: func(any) Action { return k(Unit{}) },
		}
	}
}

func AtomicModifyMRM(r ident.ID, f func(old any) (newValue, result any)) M[any] {
	return func(k func(any) Action) Action {
		return ModifyMR{MRef: r, F: f, Next: k}
	}
}

func ReadForCasM(r ident.ID) M[Ticket] {
	return func(k func(Ticket) Action) Action { return ReadForCas{MRef: r, Next: k} }
}

type CasResult struct {
	OK        bool
	NewTicket Ticket
}

func CasMRM(r ident.ID, t Ticket, newValue any) M[CasResult] {
	return func(k func(CasResult) Action) Action {
		return CasMR{MRef: r, Ticket: t, NewValue: newValue, Next: func(ok bool, nt Ticket) Action {
			return k(CasResult{OK: ok, NewTicket: nt})
		}}
	}
}

// ---- STM -----------------------------------------------------------

func AtomicallyM(tx TAction) M[any] {
	return func(k func(any) Action) Action { return AtomicallySTM{Tx: tx, Next: k} }
}

// ---- exceptions ------------------------------------------------------

func ThrowM[T any](exc any) M[T] {
	return func(func(T) Action) Action { return Throw{Exc: exc} }
}

func ThrowToM(target ident.ID, exc any) M[Unit] {
	return func(k func(Unit) Action) Action {
		return ThrowTo{Target: target, Exc: exc, Next: func() Action { return k(Unit{}) }}
	}
}

func CatchM[T any](body M[T], matches func(any) bool, handle func(any) M[T]) M[T] {
	return func(k func(T) Action) Action {
		return Catch{
			Handler: Handler{
				Matches: matches,
				Run: func(exc any) Action {
					return Run(handle(exc), func(t T) Action { return k(t) })
				},
			},
			Body: Run(body, func(t T) Action {
				return PopCatching{Next: func() Action { return k(t) }}
			}),
		}
	}
}

func GetMaskingStateM() M[Masking] {
	return func(k func(Masking) Action) Action { return GetMaskingState{Next: k} }
}

func MaskM[T any](body func(unmask func(M[T]) M[T]) M[T]) M[T] {
	return func(k func(T) Action) Action {
		return GetMaskingState{Next: func(outer Masking) Action {
			return SetMasking{Outer: true, NewMask: MaskedInterruptible, Next: func() Action {
				unmask := func(m M[T]) M[T] {
					return func(k2 func(T) Action) Action {
						return ResetMasking{Outer: true, NewMask: outer, Next: func() Action {
							return m(func(t T) Action {
								return SetMasking{Outer: true, NewMask: MaskedInterruptible, Next: func() Action {
									return k2(t)
								}}
							})
						}}
					}
				}
				return Run(body(unmask), func(t T) Action {
					return ResetMasking{Outer: true, NewMask: outer, Next: func() Action { return k(t) }}
				})
			}}
		}}
	}
}

func UninterruptibleMaskM[T any](body func(unmask func(M[T]) M[T]) M[T]) M[T] {
	return func(k func(T) Action) Action {
		return GetMaskingState{Next: func(outer Masking) Action {
			return SetMasking{Outer: true, NewMask: MaskedUninterruptible, Next: func() Action {
				unmask := func(m M[T]) M[T] {
					return func(k2 func(T) Action) Action {
						return ResetMasking{Outer: true, NewMask: outer, Next: func() Action {
							return m(func(t T) Action {
								return SetMasking{Outer: true, NewMask: MaskedUninterruptible, Next: func() Action {
									return k2(t)
								}}
							})
						}}
					}
				}
				return Run(body(unmask), func(t T) Action {
					return ResetMasking{Outer: true, NewMask: outer, Next: func() Action { return k(t) }}
				})
			}}
		}}
	}
}

// ---- sub-computation --------------------------------------------------

func SubconcurrencyM(body M[Unit]) M[SubResult] {
	return func(k func(SubResult) Action) Action {
		return Subconcurrency{Body: Main(body), Next: k}
	}
}

// ---- STM combinators (TM[T]) ------------------------------------------

// TM[T] is M's counterpart for the inside of a transaction.
type TM[T any] func(k func(T) TAction) TAction

func RunTM[T any](m TM[T], k func(T) TAction) TAction { return m(k) }

func MainTM[T any](m TM[T]) TAction {
	return m(func(t T) TAction { return TDone{Value: t} })
}

func PureTM[T any](v T) TM[T] {
	return func(k func(T) TAction) TAction { return k(v) }
}

func BindTM[A, B any](m TM[A], f func(A) TM[B]) TM[B] {
	return func(k func(B) TAction) TAction {
		return m(func(a A) TAction { return f(a)(k) })
	}
}

func ThenTM[A, B any](m TM[A], n TM[B]) TM[B] {
	return BindTM(m, func(A) TM[B] { return n })
}

func NewTVarM(name string, v any) TM[ident.ID] {
	return func(k func(ident.ID) TAction) TAction { return TNew{Name: name, Value: v, Next: k} }
}

func ReadTVarM(v ident.ID) TM[any] {
	return func(k func(any) TAction) TAction { return TRead{TVar: v, Next: k} }
}

func WriteTVarM(v ident.ID, value any) TM[Unit] {
	return func(k func(Unit) TAction) TAction {
		return TWrite{TVar: v, Value: value, Next: func() TAction { return k(Unit{}) }}
	}
}

func RetryM[T any]() TM[T] {
	return func(func(T) TAction) TAction { return TRetry{} }
}

func OrElseM[T any](a, b TM[T]) TM[T] {
	return func(k func(T) TAction) TAction {
		return TOrElse{
			A: MainTM(a),
			B: MainTM(b),
			Next: func(r any) TAction {
				return k(r.(T))
			},
		}
	}
}

func ThrowSTMM[T any](exc any) TM[T] {
	return func(func(T) TAction) TAction { return TThrow{Exc: exc} }
}

func CatchSTMM[T any](body TM[T], matches func(any) bool, handle func(any) TM[T]) TM[T] {
	return func(k func(T) TAction) TAction {
		return TCatch{
			Body: MainTM(body),
			Handler: TMHandler{
				Matches: matches,
				Run:     func(exc any) TAction { return MainTM(handle(exc)) },
			},
			Next: func(r any) TAction { return k(r.(T)) },
		}
	}
}
