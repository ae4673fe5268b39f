// Package httputil provides JSON response helpers and the middleware
// stack shared by the ingestion endpoints.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusAccepted, resp)
//	httputil.WriteValidationError(w, "malformed event payload")
//	httputil.WriteErrorMessage(w, http.StatusForbidden, "unknown tenant or origin")
//
// WriteErrorMessage writes a fixed message; WriteError exposes the
// error text. Handlers on untrusted paths use the former so backend
// errors do not leak to callers.
//
// # Middleware
//
// Middleware compose through Chain, outermost first:
//
//	chain := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware,
//		httputil.RecoveryMiddleware,
//		httputil.CORSMiddleware([]string{"*"}),
//		httputil.MaxBytesMiddleware(maxBody),
//	)
//	server.Handler = chain(router)
//
// # Related Packages
//
//   - pkg/edge: Ingestion handlers built on these helpers
package httputil
