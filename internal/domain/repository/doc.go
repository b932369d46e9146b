// Package repository define las interfaces de repositorio de dominio.
//
// Estas interfaces representan contratos de negocio, independientes del
// almacenamiento subyacente (PostgreSQL o SQLite).
//
// Las implementaciones concretas viven en internal/store/adapters/.
//
// Arquitectura:
//
//	┌─────────────────────────────────────────────────────┐
//	│   secrets / registry / services/sync / maintenance  │
//	└─────────────────────────────────────────────────────┘
//	                        │
//	                        ▼
//	┌─────────────────────────────────────────────────────┐
//	│        domain/repository (interfaces)               │
//	│  SecretRepository, EdgeNodeRepository, Record...    │
//	└─────────────────────────────────────────────────────┘
//	                        │
//	               ┌────────┴────────┐
//	               ▼                 ▼
//	        ┌─────────────┐   ┌─────────────┐
//	        │  adapters/  │   │  adapters/  │
//	        │     pg      │   │   sqlite    │
//	        └─────────────┘   └─────────────┘
//
// Convenciones:
//   - Context siempre es el primer parámetro
//   - Las relaciones son ids explícitos (EdgeNodeID, PreviousSecretID), sin carga lazy
//   - Los tiempos se pasan desde el llamador (clock inyectable), siempre en UTC
//   - Errores de dominio están en errors.go
package repository
