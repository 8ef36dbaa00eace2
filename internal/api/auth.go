package api

import (
	"context"
	"net/http"

	"github.com/berserksystems/instrumentality/internal/identity"
	"github.com/berserksystems/instrumentality/internal/log"
)

type ctxKey string

const operatorCtxKey ctxKey = "operator"

// requireOperator resolves the X-API-KEY header to an operator and attaches
// it to the request context. The plaintext key is digested immediately and
// never stored or logged.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-KEY")
		if key == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorised.")
			return
		}

		op, err := identity.FindByKeyDigest(r.Context(), s.store.DB(), identity.HashKey(key))
		if err != nil {
			writeFailure(w, err)
			return
		}
		if op == nil || op.Banned {
			writeError(w, http.StatusUnauthorized, "Unauthorised.")
			return
		}

		ctx := context.WithValue(r.Context(), operatorCtxKey, *op)
		ctx = log.ContextWithOperator(ctx, op.UUID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// operatorFrom returns the authenticated operator attached by
// requireOperator.
func operatorFrom(r *http.Request) identity.Operator {
	op, _ := r.Context().Value(operatorCtxKey).(identity.Operator)
	return op
}

// requireAdmin gates admin-only operations on the operator's flag.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !operatorFrom(r).Admin {
			writeError(w, http.StatusUnauthorized, "Unauthorised.")
			return
		}
		next.ServeHTTP(w, r)
	})
}
