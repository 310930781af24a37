// Package interceptors wraps RPC handlers with cross-cutting behaviour.
//
// An Interceptor sees every request before the handler does and may answer,
// reject or pass it on. Interceptors run in the order they are added:
//
//	chain := interceptors.NewChain(logger).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewFilteringInterceptor(interceptors.NewContentTypeFilter("application/json"), nil))
//
//	server, err := messaging.NewRPCServer(conn, "billing.charge", chain.Then(handler))
package interceptors
