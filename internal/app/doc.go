// Package app composes the loyalty core into a running application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── audit/          # Audit records, filters and pages
//	│   ├── circle/         # Family circle pointer, member edges and roster
//	│   ├── client/         # Clients and affinity groups
//	│   └── loyalty/        # Accounts, transactions and circle config
//	├── storage/            # Document store capability and implementations
//	│   ├── memory/         # In-memory optimistic store for tests and dev
//	│   └── postgres/       # PostgreSQL jsonb store for production
//	├── services/           # Ledger, circle, audit, clients and reconcile
//	├── idempotency/        # Idempotency-Key response store
//	├── httpapi/            # HTTP routes and middleware
//	├── system/             # Lifecycle management
//	└── metrics/            # Prometheus collectors
//
// # Dependency Direction
//
//	cmd/loyaltyd/
//	      │
//	      ▼
//	internal/app/httpapi ──► internal/app (composition)
//	                               │
//	                               ├──► internal/app/services/*
//	                               │           │
//	                               │           └──► internal/app/storage
//	                               │
//	                               └──► internal/app/system
//
// Services never import each other directly. The ledger and the circle
// service receive the audit writer through small interfaces.
package app
