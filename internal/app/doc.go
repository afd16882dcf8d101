// Package app provides the composition layer of the lottery settlement
// server.
//
// # Architecture Role
//
// The app package sits above the engine and its infrastructure and composes
// them into a running application. It holds no game rules; those live in the
// lottery package under packages/com.r3e.services.lottery/service.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── httpapi/            # Public REST API (gorilla/mux) and ops server (chi)
//	├── metrics/            # Prometheus collectors and the engine observer
//	├── storage/
//	│   └── postgres/       # Durable history archive (sqlx)
//	└── system/             # Service interface and lifecycle manager
//
// # Dependency Direction
//
//	cmd/lottery/
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► packages/.../lottery (engine)
//	      │           │
//	      │           └──► internal/engine/events (notification log)
//	      │
//	      ├──► internal/treasury, internal/audit (engine collaborators)
//	      │
//	      └──► internal/keeper, internal/notify (background workers)
//
// Collaborators that need network connections (Postgres, Redis, the Neo RPC
// beacon) are built by the command and passed in through Stores and Options,
// so the application can be assembled entirely in memory for tests.
package app
