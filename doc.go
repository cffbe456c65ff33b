// Package authcore is the authorization and session-security core behind a
// multi-tenant platform API: role-based access control with a TTL-bounded
// permission cache, rotating refresh-token sessions, TOTP second factor,
// distributed brute-force lockout, and at-rest secret encryption.
//
// The root package is the composition root. Construct a Core with New and
// an implementation of store.Store (store/memory for tests, store/postgres
// for production) plus a Redis client:
//
//	core, err := authcore.New(cfg, authcore.Deps{
//		Store: postgres.New(db),
//		Redis: redisClient,
//	})
//
// Each concern also stands alone in its own package (auth, rbac, token,
// lockout, mfa, secrets, password) for callers that want to wire components
// individually.
package authcore
